// Package client is a synchronous client for the snapshot server's
// management operations, used by snapctl.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/dittolab/snapstore/pkg/protocol"
)

// Client is one connection to the server socket.
type Client struct {
	conn net.Conn
}

// Dial connects to the server's unix socket.
func Dial(socket string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socket, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to server %q: %w", socket, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// roundTrip sends one request and reads one reply.
func (c *Client) roundTrip(req protocol.Message) (protocol.Message, error) {
	if err := protocol.WriteMessage(c.conn, req); err != nil {
		return nil, err
	}
	return protocol.ReadMessage(c.conn)
}

// protocolErr turns typed error replies into Go errors.
func protocolErr(reply protocol.Message) error {
	switch r := reply.(type) {
	case *protocol.ProtocolError:
		return fmt.Errorf("server: %s", r.Message)
	case *protocol.IdentifyError:
		return fmt.Errorf("server: %s", r.Message)
	case *protocol.PriorityError:
		return fmt.Errorf("server: %s", r.Message)
	case *protocol.UsecountError:
		return fmt.Errorf("server: %s", r.Message)
	case *protocol.StatusError:
		return fmt.Errorf("server: %s", r.Message)
	case *protocol.StreamChangelistError:
		return fmt.Errorf("server: %s", r.Message)
	default:
		return fmt.Errorf("unexpected reply %#x", reply.Code())
	}
}

// CreateSnapshot creates a snapshot with the given tag.
func (c *Client) CreateSnapshot(tag uint32) error {
	reply, err := c.roundTrip(&protocol.CreateSnapshot{Snap: tag})
	if err != nil {
		return err
	}
	switch reply.(type) {
	case *protocol.CreateSnapshotOK:
		return nil
	case *protocol.CreateSnapshotError:
		return fmt.Errorf("unable to create snapshot %d", tag)
	default:
		return protocolErr(reply)
	}
}

// DeleteSnapshot deletes the snapshot with the given tag.
func (c *Client) DeleteSnapshot(tag uint32) error {
	reply, err := c.roundTrip(&protocol.DeleteSnapshot{Snap: tag})
	if err != nil {
		return err
	}
	switch reply.(type) {
	case *protocol.DeleteSnapshotOK:
		return nil
	case *protocol.DeleteSnapshotError:
		return fmt.Errorf("unable to delete snapshot %d", tag)
	default:
		return protocolErr(reply)
	}
}

// ListSnapshots returns the snapshot table.
func (c *Client) ListSnapshots() ([]protocol.SnapInfo, error) {
	reply, err := c.roundTrip(&protocol.ListSnapshots{})
	if err != nil {
		return nil, err
	}
	list, ok := reply.(*protocol.SnapshotList)
	if !ok {
		return nil, protocolErr(reply)
	}
	return list.Snapshots, nil
}

// SetPriority sets a snapshot's drop priority.
func (c *Client) SetPriority(tag uint32, prio int8) error {
	reply, err := c.roundTrip(&protocol.Priority{Snap: tag, Prio: prio})
	if err != nil {
		return err
	}
	if _, ok := reply.(*protocol.PriorityOK); !ok {
		return protocolErr(reply)
	}
	return nil
}

// AdjustUsecount adds a signed delta to a snapshot's use count and
// returns the new value.
func (c *Client) AdjustUsecount(tag uint32, delta int32) (uint16, error) {
	reply, err := c.roundTrip(&protocol.Usecount{Snap: tag, UsecntDev: delta})
	if err != nil {
		return 0, err
	}
	ok, isOK := reply.(*protocol.UsecountOK)
	if !isOK {
		return 0, protocolErr(reply)
	}
	return ok.Usecount, nil
}

// Status returns store occupancy and sharing statistics.
func (c *Client) Status() (*protocol.StatusOK, error) {
	reply, err := c.roundTrip(&protocol.Status{})
	if err != nil {
		return nil, err
	}
	status, ok := reply.(*protocol.StatusOK)
	if !ok {
		return nil, protocolErr(reply)
	}
	return status, nil
}

// SnapshotState reports whether a snapshot is live, squashed or unknown.
func (c *Client) SnapshotState(tag uint32) (uint32, error) {
	reply, err := c.roundTrip(&protocol.RequestSnapshotState{Snap: tag})
	if err != nil {
		return 0, err
	}
	state, ok := reply.(*protocol.SnapshotState)
	if !ok {
		return 0, protocolErr(reply)
	}
	return state.State, nil
}

// OriginSectors returns the origin volume length in sectors.
func (c *Client) OriginSectors() (uint64, error) {
	reply, err := c.roundTrip(&protocol.RequestOriginSectors{})
	if err != nil {
		return 0, err
	}
	sectors, ok := reply.(*protocol.OriginSectors)
	if !ok {
		return 0, protocolErr(reply)
	}
	return sectors.Count, nil
}

// Changelist returns the chunks that differ between two snapshots.
func (c *Client) Changelist(tag1, tag2 uint32) (*protocol.StreamChangelistOK, error) {
	reply, err := c.roundTrip(&protocol.StreamChangelist{Snap1: tag1, Snap2: tag2})
	if err != nil {
		return nil, err
	}
	cl, ok := reply.(*protocol.StreamChangelistOK)
	if !ok {
		return nil, protocolErr(reply)
	}
	return cl, nil
}

// Shutdown asks the server to shut down cleanly. No reply is expected.
func (c *Client) Shutdown() error {
	return protocol.WriteMessage(c.conn, &protocol.ShutdownServer{})
}

package commands

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <tag>",
	Short: "Create a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := parseTag(args[0])
		if err != nil {
			return err
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.CreateSnapshot(tag); err != nil {
			return err
		}
		cmd.Printf("snapshot %d created\n", tag)
		return nil
	},
}

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete <tag>",
	Short: "Delete a snapshot and reclaim its space",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := parseTag(args[0])
		if err != nil {
			return err
		}
		if !deleteForce {
			prompt := promptui.Prompt{
				Label:     fmt.Sprintf("Delete snapshot %d", tag),
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				if errors.Is(err, promptui.ErrAbort) {
					return fmt.Errorf("delete aborted")
				}
				return err
			}
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.DeleteSnapshot(tag); err != nil {
			return err
		}
		cmd.Printf("snapshot %d deleted\n", tag)
		return nil
	},
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "delete without asking")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		snaps, err := c.ListSnapshots()
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Tag", "Priority", "Use count", "Created"})
		for _, s := range snaps {
			table.Append([]string{
				strconv.FormatUint(uint64(s.Snap), 10),
				strconv.Itoa(int(s.Prio)),
				strconv.Itoa(int(s.Usecnt)),
				time.Unix(int64(s.Ctime), 0).Format(time.RFC3339),
			})
		}
		table.Render()
		return nil
	},
}

var priorityCmd = &cobra.Command{
	Use:   "priority <tag> <prio>",
	Short: "Set a snapshot's drop priority (-128..127, 127 = never drop)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := parseTag(args[0])
		if err != nil {
			return err
		}
		prio, err := strconv.ParseInt(args[1], 10, 8)
		if err != nil {
			return fmt.Errorf("invalid priority %q", args[1])
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.SetPriority(tag, int8(prio)); err != nil {
			return err
		}
		cmd.Printf("snapshot %d priority set to %d\n", tag, prio)
		return nil
	},
}

var usecountCmd = &cobra.Command{
	Use:   "usecount <tag> <delta>",
	Short: "Adjust a snapshot's use count",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := parseTag(args[0])
		if err != nil {
			return err
		}
		delta, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid delta %q", args[1])
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		count, err := c.AdjustUsecount(tag, int32(delta))
		if err != nil {
			return err
		}
		cmd.Printf("snapshot %d use count now %d\n", tag, count)
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state <tag>",
	Short: "Report whether a snapshot is live, squashed or unknown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, err := parseTag(args[0])
		if err != nil {
			return err
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		state, err := c.SnapshotState(tag)
		if err != nil {
			return err
		}
		names := map[uint32]string{0: "live", 1: "not found", 2: "squashed"}
		name, ok := names[state]
		if !ok {
			name = fmt.Sprintf("unknown (%d)", state)
		}
		cmd.Printf("snapshot %d: %s\n", tag, name)
		return nil
	},
}

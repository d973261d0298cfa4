package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store usage and snapshot sharing statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		status, err := c.Status()
		if err != nil {
			return err
		}

		cmd.Printf("store created %s\n", time.Unix(int64(status.Ctime), 0).Format(time.RFC3339))
		cmd.Printf("metadata: chunk size %d, %d used, %d free\n",
			1<<status.Meta.ChunksizeBits, status.Meta.Used, status.Meta.Free)
		cmd.Printf("snapdata: chunk size %d, %d used, %d free\n",
			1<<status.Store.ChunksizeBits, status.Store.Used, status.Store.Free)

		if len(status.Rows) == 0 {
			return nil
		}
		// One column per sharing degree: Counts[n] is the number of chunks
		// a snapshot shares with exactly n others.
		columns := 0
		for _, row := range status.Rows {
			if len(row.Counts) > columns {
				columns = len(row.Counts)
			}
		}
		header := []string{"Tag", "Created"}
		for i := 0; i < columns; i++ {
			header = append(header, "x"+strconv.Itoa(i+1))
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader(header)
		for _, row := range status.Rows {
			cells := []string{
				strconv.FormatUint(uint64(row.Snap), 10),
				time.Unix(int64(row.Ctime), 0).Format(time.RFC3339),
			}
			if len(row.Counts) > 0 && row.Counts[0] == ^uint64(0) {
				cells = append(cells, "squashed")
				for i := 1; i < columns; i++ {
					cells = append(cells, "")
				}
			} else {
				for i := 0; i < columns; i++ {
					if i < len(row.Counts) {
						cells = append(cells, strconv.FormatUint(row.Counts[i], 10))
					} else {
						cells = append(cells, "0")
					}
				}
			}
			table.Append(cells)
		}
		table.Render()
		return nil
	},
}

var originSectorsCmd = &cobra.Command{
	Use:   "origin-sectors",
	Short: "Print the origin volume length in sectors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		count, err := c.OriginSectors()
		if err != nil {
			return err
		}
		cmd.Println(count)
		return nil
	},
}

var changelistCmd = &cobra.Command{
	Use:   "changelist <tag1> <tag2>",
	Short: "List the chunks that differ between two snapshots",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag1, err := parseTag(args[0])
		if err != nil {
			return err
		}
		tag2, err := parseTag(args[1])
		if err != nil {
			return err
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		cl, err := c.Changelist(tag1, tag2)
		if err != nil {
			return err
		}
		cmd.Printf("# %d chunks of %d bytes differ between %d and %d\n",
			len(cl.Chunks), 1<<cl.ChunksizeBits, tag1, tag2)
		for _, chunk := range cl.Chunks {
			fmt.Fprintln(os.Stdout, chunk)
		}
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the server to shut down cleanly",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Shutdown(); err != nil {
			return err
		}
		cmd.Println("shutdown requested")
		return nil
	},
}

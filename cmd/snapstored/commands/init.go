package commands

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/dittolab/snapstore/pkg/buffer"
	"github.com/dittolab/snapstore/pkg/devio"
	"github.com/dittolab/snapstore/pkg/snap"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a snapshot store",
	Long: `Initialize the snapshot store on the configured devices: write the
superblock, the allocation bitmaps, an empty journal and a fresh
exception tree.

A device that already carries a snapshot store is only overwritten after
confirmation (or with --force).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing store without asking")
}

func runInit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	metadev, err := devio.Open(cfg.Store.MetadataDevice)
	if err != nil {
		return err
	}
	defer metadev.Close()

	snapdev := metadev
	if !cfg.Combined() {
		if snapdev, err = devio.Open(cfg.Store.SnapshotDevice); err != nil {
			return err
		}
		defer snapdev.Close()
	}

	orgdev, err := devio.Open(cfg.Store.OriginDevice)
	if err != nil {
		return err
	}
	defer orgdev.Close()

	if !initForce && storeExists(metadev) {
		prompt := promptui.Prompt{
			Label:     fmt.Sprintf("Device %s already carries a snapshot store; overwrite", cfg.Store.MetadataDevice),
			IsConfirm: true,
		}
		if _, err := prompt.Run(); err != nil {
			if errors.Is(err, promptui.ErrAbort) {
				return fmt.Errorf("init aborted")
			}
			return err
		}
	}

	cache := buffer.New(cfg.Store.CacheBytes, 1<<cfg.Store.MetaChunkBits)
	eng := snap.New(metadev, snapdev, orgdev, cache, nil)
	if err := eng.Format(snap.FormatOptions{
		JournalBytes:  cfg.Store.JournalBytes,
		MetaChunkBits: cfg.Store.MetaChunkBits,
		SnapChunkBits: cfg.Store.SnapChunkBits,
	}); err != nil {
		return err
	}

	cmd.Println("snapshot store initialized")
	return nil
}

// storeExists reports whether the device already carries a valid
// superblock.
func storeExists(dev *devio.Dev) bool {
	raw := make([]byte, snap.SBSize)
	if _, err := dev.ReadAt(raw, snap.SBSector<<devio.SectorBits); err != nil {
		return false
	}
	var sb snap.DiskSuper
	return sb.Decode(raw) == nil
}

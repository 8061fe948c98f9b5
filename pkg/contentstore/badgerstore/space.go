package badgerstore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-seal/pkg/contentstore"
)

const gb = 1024 * 1024 * 1024

func (c *Config) check() error { // A
	if c.InMemory {
		return nil
	}
	if c.Path == "" {
		return errors.New("no path provided in configuration")
	}
	info, err := os.Stat(c.Path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}
	if c.MinimumFreeGB < 0 {
		return errors.New("minimum free space must not be negative")
	}

	usage, err := disk.Usage(c.Path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", c.Path, err)
	}
	if usage.Free/gb < uint64(c.MinimumFreeGB) {
		return errors.New("not enough space available on disk")
	}
	return nil
}

// checkFreeSpace refuses writes once the disk is below MinimumFreeGB.
func (s *Store) checkFreeSpace() error { // A
	if s.config.InMemory || s.config.MinimumFreeGB == 0 {
		return nil
	}
	usage, err := disk.Usage(s.config.Path)
	if err != nil {
		return fmt.Errorf("%w: disk usage: %w", contentstore.ErrUnavailable, err)
	}
	if usage.Free/gb < uint64(s.config.MinimumFreeGB) {
		return fmt.Errorf(
			"%w: %.2f GB free, need %d GB",
			contentstore.ErrUnavailable, float64(usage.Free)/gb, s.config.MinimumFreeGB,
		)
	}
	return nil
}

// Ready reports whether the store can take uploads.
func (s *Store) Ready() error { // A
	if s.db.IsClosed() {
		return fmt.Errorf("%w: database closed", contentstore.ErrUnavailable)
	}
	return s.checkFreeSpace()
}

func (s *Store) logDiskUsage() error { // A
	usage, err := disk.Usage(s.config.Path)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"path": s.config.Path,
		}).Errorf("Error retrieving disk usage stats: %v", err)
		return err
	}
	lsm, vlog := s.db.Size()

	s.log.WithFields(logrus.Fields{
		"Path":        s.config.Path,
		"Filesystem":  usage.Fstype,
		"Total (GB)":  fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"Used (GB)":   fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
		"Free (GB)":   fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
		"Usage by DB": fmt.Sprintf("%.2f", float64(lsm+vlog)/1e9),
	}).Info("Disk Usage")
	return nil
}

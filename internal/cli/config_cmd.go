package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/dustin/go-humanize"

	"dngpipe/internal/config"
	"dngpipe/internal/dng"
)

// Version is overridden at link time.
var Version = "dev"

func (r *Root) configShow(w io.Writer) error {
	fmt.Fprintf(w, "# %s\n", config.Path())
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.cfg); err != nil {
		return err
	}
	limit, err := r.cfg.MemoryLimitBytes()
	if err != nil {
		return err
	}
	if limit > 0 {
		fmt.Fprintf(w, "# effective memory limit: %s\n", humanize.IBytes(uint64(limit)))
	} else {
		fmt.Fprintf(w, "# effective memory limit: unlimited\n")
	}
	return nil
}

func (r *Root) configValidate(w io.Writer) error {
	if err := r.cfg.Validate(); err != nil {
		r.log.Error("configuration validation", "status", "invalid", "error", err)
		return fmt.Errorf("invalid configuration: %w", err)
	}
	r.log.Info("configuration validation", "status", "valid")
	fmt.Fprintln(w, "configuration is valid")
	return nil
}

func (r *Root) cmdVersion(w io.Writer) {
	fmt.Fprintf(w, "dngpipe %s\n", Version)
	fmt.Fprintf(w, "built with Go %s\n", runtime.Version())
	fmt.Fprintf(w, "writes DNG %s, reads up to %s\n", dng.FormatVersion(r.saveVersion()), dng.FormatVersion(dng.VersionCurrent))
}

func (r *Root) saveVersion() uint32 {
	v, err := r.cfg.DNGVersion()
	if err != nil {
		return dng.VersionCurrent
	}
	return v
}

package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"dngpipe/internal/dng"
	"dngpipe/internal/tasks"
)

// pointList is a repeatable --point flag holding "row,col" values.
type pointList []dng.Point

var _ pflag.Value = (*pointList)(nil)

func (p *pointList) String() string {
	parts := make([]string, len(*p))
	for i, pt := range *p {
		parts[i] = fmt.Sprintf("%d,%d", pt.Row, pt.Col)
	}
	return strings.Join(parts, " ")
}

func (p *pointList) Set(value string) error {
	pt, err := tasks.ParsePoint(value)
	if err != nil {
		return err
	}
	*p = append(*p, pt)
	return nil
}

func (p *pointList) Type() string { return "row,col" }

// rectList is a repeatable --rect flag holding "top,left,bottom,right" values.
type rectList []dng.Rect

var _ pflag.Value = (*rectList)(nil)

func (r *rectList) String() string {
	parts := make([]string, len(*r))
	for i, rc := range *r {
		parts[i] = fmt.Sprintf("%d,%d,%d,%d", rc.Top, rc.Left, rc.Bottom, rc.Right)
	}
	return strings.Join(parts, " ")
}

func (r *rectList) Set(value string) error {
	rc, err := tasks.ParseRect(value)
	if err != nil {
		return err
	}
	*r = append(*r, rc)
	return nil
}

func (r *rectList) Type() string { return "t,l,b,r" }

// byteSize accepts "auto", "0" or a humanized size such as "512MiB". The
// original text is kept so it can be written back into the config.
type byteSize struct {
	text string
	set  bool
}

var _ pflag.Value = (*byteSize)(nil)

func (b *byteSize) String() string { return b.text }

func (b *byteSize) Set(value string) error {
	v := strings.TrimSpace(value)
	if v != "auto" && v != "0" {
		if _, err := humanize.ParseBytes(v); err != nil {
			return fmt.Errorf("invalid size %q: %w", value, err)
		}
	}
	b.text, b.set = v, true
	return nil
}

func (b *byteSize) Type() string { return "size" }

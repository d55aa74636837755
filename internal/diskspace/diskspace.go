// Package diskspace reports free space on the filesystem holding a path.
package diskspace

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ErrUnsupported is returned by Available on platforms without statfs.
var ErrUnsupported = errors.New("diskspace: not supported on this platform")

// ErrInsufficient is wrapped by Check when the filesystem is too full.
var ErrInsufficient = errors.New("insufficient free space")

// Check returns an error wrapping ErrInsufficient when fewer than need bytes
// are available at path. Unknown sizes and unsupported platforms pass.
func Check(path string, need int64) error {
	if need <= 0 {
		return nil
	}
	avail, err := Available(path)
	if errors.Is(err, ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat free space: %w", err)
	}
	if avail < uint64(need) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficient,
			humanize.IBytes(uint64(need)), humanize.IBytes(avail))
	}
	return nil
}

//go:build !unix

package diskspace

// Available is not implemented on non-Unix platforms; Check treats this as
// unlimited space.
func Available(string) (uint64, error) {
	return 0, ErrUnsupported
}

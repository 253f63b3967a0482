//go:build !linux

package socket

// getMTU has no portable IP_MTU equivalent outside Linux; callers fall
// back to DefaultMTU.
func getMTU(fd uintptr) (int, error) {
	return 0, nil
}

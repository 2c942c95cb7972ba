package rendezvous

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Fingerprints is the set of client build fingerprints this server accepts
// on Create/Join. It is loaded once at startup from a newline-delimited
// file and never mutated afterward, so it is safe for concurrent reads
// without a lock.
type Fingerprints map[string]struct{}

// Accepts reports whether fp is a known fingerprint.
func (f Fingerprints) Accepts(fp string) bool {
	_, ok := f[fp]
	return ok
}

// LoadFingerprints reads one fingerprint per line from path. Blank lines
// are kept as a literal empty-string fingerprint rather than skipped,
// matching clients that report no build identity at all. Surrounding
// whitespace is not trimmed: the file is expected to be exact.
func LoadFingerprints(path string) (Fingerprints, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load fingerprints: %w", err)
	}
	defer f.Close()

	set := make(Fingerprints)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		set[scanner.Text()] = struct{}{}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("load fingerprints: %w", err)
	}
	return set, nil
}

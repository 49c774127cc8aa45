package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// lockOutput claims path for this process by creating path.lock exclusively.
// A lock left behind by a crashed process has to be removed by hand.
func lockOutput(path string) (func(), error) {
	name := path + ".lock"
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 - derived from the output path
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrOutputBusy, name)
		}
		return nil, fmt.Errorf("%w: create lock: %w", ErrInvalidRequest, err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	_ = f.Close()

	return func() { _ = os.Remove(name) }, nil
}

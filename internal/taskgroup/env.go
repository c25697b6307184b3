package taskgroup

import (
	"errors"
	"os"
)

var errEmptyCommand = errors.New("empty command")

func environ() []string {
	return os.Environ()
}

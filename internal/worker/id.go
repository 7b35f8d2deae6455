package worker

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// DefaultID returns "<hostname>-<pid>-<8 hex chars>", unique across
// restarts on the same host.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	host = strings.ReplaceAll(host, " ", "_")
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

package wg

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/pheezz/wireguard-bot/types"
)

// SystemdController restarts the wg-quick unit so the running daemon matches
// the configuration file.
type SystemdController struct {
	unit    string
	timeout time.Duration
}

func NewSystemdController(unit string, timeout time.Duration) *SystemdController {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		unit = "wg-quick@wg0"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SystemdController{unit: unit, timeout: timeout}
}

func (c *SystemdController) Restart(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "systemctl", "restart", c.unit)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: restart %s: %v: %s", types.ErrResourceUnavailable, c.unit, err, strings.TrimSpace(string(out)))
	}
	log.Printf("Service %s restarted", c.unit)
	return nil
}

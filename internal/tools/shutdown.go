package tools

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Power triggers the post-provisioning reboot.
type Power struct {
	runner Runner
	bin    string
}

func NewPower(runner Runner, bin string) *Power {
	return &Power{runner: runner, bin: bin}
}

func (p *Power) Reboot(ctx context.Context, grace time.Duration) error {
	secs := int(grace / time.Second)
	if secs < 0 {
		secs = 0
	}
	if _, err := p.runner.Run(ctx, p.bin, "/r", "/t", strconv.Itoa(secs)); err != nil {
		return fmt.Errorf("schedule reboot: %w", err)
	}
	return nil
}

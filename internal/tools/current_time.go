// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/bernard-dev/bernard/internal/agent"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const CurrentTimeName = "current_time"

// CurrentTime reports the current date and time in an IANA time zone.
type CurrentTime struct {
	now func() time.Time
}

var _ agent.Action = (*CurrentTime)(nil)

func NewCurrentTime(now func() time.Time) *CurrentTime {
	if now == nil {
		now = time.Now
	}
	return &CurrentTime{now: now}
}

func (c *CurrentTime) Spec() agent.ActionSpec {
	return agent.ActionSpec{
		Name:        CurrentTimeName,
		Description: "Returns the current date and time. Use it whenever the answer depends on today's date or the time of day.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": `IANA time zone name such as "Europe/Berlin". Defaults to UTC.`,
				},
			},
		},
	}
}

func (c *CurrentTime) Run(_ context.Context, args any) (string, error) {
	zone, ok := stringArg(args, "timezone")
	if !ok {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", bernerr.Wrapf(err, bernerr.CodeAgentActionArgsInvalid, "unknown time zone %q", zone)
	}

	now := c.now().In(loc)
	return fmt.Sprintf("%s (%s, %s)", now.Format(time.RFC3339), now.Weekday(), loc.String()), nil
}

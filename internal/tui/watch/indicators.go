package watch

import (
	"strings"
	"time"
)

// Pulse shows event activity as a row of dots that light up on events and
// fade over the following seconds.
type Pulse struct {
	dots      int
	lastEvent time.Time
}

func (p *Pulse) OnEvent(now time.Time) {
	p.dots = 5
	p.lastEvent = now
}

// Decay dims the dots based on time since the last event.
func (p *Pulse) Decay(now time.Time) {
	if p.dots == 0 {
		return
	}
	elapsed := now.Sub(p.lastEvent)
	p.dots = max(0, 5-int(elapsed/(2*time.Second)))
}

func (p Pulse) Dots() int { return p.dots }

func (p Pulse) Render(theme Theme) string {
	var result strings.Builder
	for i := range 5 {
		if i < p.dots {
			result.WriteString(theme.TickerActive.Render("●"))
		} else {
			result.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return result.String()
}

func (p Pulse) LastEvent() time.Time {
	return p.lastEvent
}

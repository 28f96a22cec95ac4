// internal/trigger/dispatcher.go
package trigger

import (
	"context"
	"fmt"

	"github.com/RustingSword/jarvis/internal/bus"
	"github.com/RustingSword/jarvis/internal/types"
)

// RegisterDispatcher routes fired triggers back onto the bus as
// trigger-originated messages, which the message queue picks up like any
// other turn. The prompt names the trigger so the agent knows why it was
// woken up.
func RegisterDispatcher(b *bus.Bus) {
	b.Subscribe(bus.TriggerFired, func(ctx context.Context, ev bus.Event) {
		trig, ok := ev.Payload.(bus.Trigger)
		if !ok || trig.ChatID == "" {
			return
		}
		b.Publish(ctx, bus.MessageReceived, bus.Incoming{
			ChatID: trig.ChatID,
			Text:   triggerPrompt(trig),
			Origin: types.OriginTrigger,
		})
	})
}

func triggerPrompt(trig bus.Trigger) string {
	return fmt.Sprintf("[%s trigger %q fired] %s", trig.Kind, trig.Name, trig.Message)
}

package upload

import (
	"encoding/json"
	"fmt"
)

// Category classifies a progress event.
type Category string

const (
	CategoryInfo    Category = "info"
	CategorySuccess Category = "success"
	CategoryWarning Category = "warning"
	CategoryError   Category = "error"
)

// Event is one progress message emitted while an upload batch is processed.
// On the wire it is the two-element array [message, category].
type Event struct {
	Message  string
	Category Category
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.Message, string(e.Category)})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	e.Message = pair[0]
	e.Category = Category(pair[1])
	return nil
}

func infoEvent(format string, args ...any) Event {
	return Event{Message: fmt.Sprintf(format, args...), Category: CategoryInfo}
}

func successEvent(format string, args ...any) Event {
	return Event{Message: fmt.Sprintf(format, args...), Category: CategorySuccess}
}

func warningEvent(format string, args ...any) Event {
	return Event{Message: fmt.Sprintf(format, args...), Category: CategoryWarning}
}

func errorEvent(format string, args ...any) Event {
	return Event{Message: fmt.Sprintf(format, args...), Category: CategoryError}
}

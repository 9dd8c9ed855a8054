package mirror

// Action is a button on the head unit screen
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
	ActionExit  Action = "exit"
)

// Button is one entry of the action strip
type Button struct {
	Action  Action `json:"action,omitempty"`
	Title   string `json:"title"`
	Enabled bool   `json:"enabled"`
}

// Template is what the head unit shows for a state
type Template struct {
	Buttons []Button `json:"buttons"`
	// Message is empty while loading or mirroring
	Message string `json:"message,omitempty"`
}

const (
	TitleUnavailable = "Mirroring unavailable"
	TitleStart       = "Start mirroring"
	TitleStop        = "Stop mirroring"
	TitleExit        = "Exit"

	MessageCancelled  = "Screen capture permission was denied. Press start to ask again."
	MessageDriving    = "Mirroring is paused while driving."
	MessageInactive   = "Mirroring is stopped."
	MessageRequesting = "Waiting for screen capture permission on the phone."
)

// TemplateFor builds the template for state kind k. The exit button is only
// offered in debug mode, since exiting just restarts the app on most hosts.
func TemplateFor(k Kind, debugMode bool) Template {
	var primary Button
	switch k {
	case Cancelled, Inactive:
		primary = Button{Action: ActionStart, Title: TitleStart, Enabled: true}
	case Mirroring:
		primary = Button{Action: ActionStop, Title: TitleStop, Enabled: true}
	default:
		primary = Button{Title: TitleUnavailable}
	}

	t := Template{Buttons: []Button{primary}}
	if debugMode {
		t.Buttons = append(t.Buttons, Button{Action: ActionExit, Title: TitleExit, Enabled: true})
	}

	switch k {
	case CancelledHaveService, Cancelled:
		t.Message = MessageCancelled
	case Driving:
		t.Message = MessageDriving
	case Inactive:
		t.Message = MessageInactive
	case Requesting:
		t.Message = MessageRequesting
	}
	return t
}

// Enabled reports whether a is an enabled button of the template
func (t Template) Enabled(a Action) bool {
	for _, b := range t.Buttons {
		if b.Action == a && b.Enabled {
			return true
		}
	}
	return false
}

// Title returns the title of the primary button
func (t Template) Title() string {
	if len(t.Buttons) == 0 {
		return ""
	}
	return t.Buttons[0].Title
}

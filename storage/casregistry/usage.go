package casregistry

// Usage restricts which programs accept a backend.
type Usage uint8

const (
	// UsageCLI marks backends offered by the podsign CLI.
	UsageCLI Usage = 1 << iota
	// UsageDaemon marks backends a blob server daemon may serve from.
	UsageDaemon
)

func (u Usage) allows(want Usage) bool { return u&want != 0 }

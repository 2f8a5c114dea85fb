package session

// Activity is what the session is busy with. It only ever moves forward.
type Activity int

const (
	NotStarted Activity = iota
	NetworkSetup
	GettingTorrent
	CreatingTorrent
	CheckingStorage
	CollectingPieces
	ShuttingDown
)

func (a Activity) String() string {
	switch a {
	case NotStarted:
		return "Not started"
	case NetworkSetup:
		return "Network setup"
	case GettingTorrent:
		return "Getting torrent"
	case CreatingTorrent:
		return "Creating torrent"
	case CheckingStorage:
		return "Checking storage"
	case CollectingPieces:
		return "Collecting pieces"
	case ShuttingDown:
		return "Shutting down"
	}
	return "Unknown"
}

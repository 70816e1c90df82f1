package router

// Kind discriminates the routing decision. The set is closed: every
// resolution ends in exactly one of Drop, Forward or Reply.
type Kind int

const (
	Drop Kind = iota
	Forward
	Reply
)

func (k Kind) String() string {
	switch k {
	case Forward:
		return "forward"
	case Reply:
		return "reply"
	}
	return "drop"
}

// Decision is the outcome of resolving one message event.
type Decision struct {
	Kind Kind

	// Forward
	ConnectionID string
	Text         string // message text to forward
	Mutated      bool   // false when the original payload goes out unmodified

	// Reply
	ReplyText string

	// matched command set / command ids, when any (for logs and dry runs)
	CommandSetID string
	CommandName  string
}

func reply(text string) Decision { return Decision{Kind: Reply, ReplyText: text} }

func drop() Decision { return Decision{Kind: Drop} }

package failure

// Recovery is the action offered next to a failure message.
type Recovery string

const (
	RecoveryRetry           Recovery = "retry"
	RecoveryNewBattle       Recovery = "start_new_battle"
	RecoverySignIn          Recovery = "sign_in"
	RecoveryContinueAsGuest Recovery = "continue_as_guest"
	RecoveryRequestLink     Recovery = "request_new_link"
	RecoveryEditPrompt      Recovery = "edit_prompt"
)

// Message is the only failure shape that reaches a user.
type Message struct {
	Text     string
	Recovery Recovery
}

// Conversion failure reason codes sent back on the post-conversion redirect.
const (
	ReasonEmailAlreadyRegistered = "email_already_registered"
	ReasonMissingEmail           = "missing_email"
	ReasonProviderFailed         = "provider_failed"
	ReasonConversionFailed       = "conversion_failed"
)

var messages = map[Kind]Message{
	TransportUnavailable: {
		Text:     "We lost the connection to the battle. Trying again usually fixes this.",
		Recovery: RecoveryRetry,
	},
	InvitationExpired: {
		Text:     "This invitation has expired. Ask your friend for a new link.",
		Recovery: RecoveryRequestLink,
	},
	InvitationCancelled: {
		Text:     "This invitation was cancelled. Start a fresh challenge instead.",
		Recovery: RecoveryNewBattle,
	},
	InvitationUnknown: {
		Text:     "We couldn't find that invitation. Check the link or start your own battle.",
		Recovery: RecoveryNewBattle,
	},
	AccessDeniedInProgress: {
		Text:     "This battle is still in progress. Sign in to follow it live.",
		Recovery: RecoverySignIn,
	},
	NotFound: {
		Text:     "This battle doesn't exist anymore.",
		Recovery: RecoveryNewBattle,
	},
	SubmissionRejected: {
		Text:     "Your prompt wasn't sent because the battle isn't connected yet. Your text is still here.",
		Recovery: RecoveryEditPrompt,
	},
	Unauthorized: {
		Text:     "Your session has ended. Sign in or continue as a guest.",
		Recovery: RecoveryContinueAsGuest,
	},
	Conflict: {
		Text:     "That action isn't available right now.",
		Recovery: RecoveryRetry,
	},
	Timeout: {
		Text:     "Nobody picked up your challenge in time. Try again or battle Pip.",
		Recovery: RecoveryRetry,
	},
	Unexpected: {
		Text:     "Something went wrong. Please try again.",
		Recovery: RecoveryRetry,
	},
}

var conversionMessages = map[string]Message{
	ReasonEmailAlreadyRegistered: {
		Text:     "That email already has an account. Sign in with it to keep playing.",
		Recovery: RecoverySignIn,
	},
	ReasonMissingEmail: {
		Text:     "Your sign-in provider didn't share an email address. Try another provider.",
		Recovery: RecoveryRetry,
	},
	ReasonProviderFailed: {
		Text:     "The sign-in provider had a problem. Please try again.",
		Recovery: RecoveryRetry,
	},
	ReasonConversionFailed: {
		Text:     "We couldn't create your account. You can keep playing as a guest.",
		Recovery: RecoveryContinueAsGuest,
	},
}

// Present maps err to user-facing copy. Raw error text is never returned.
func Present(err error) Message {
	if err == nil {
		return Message{}
	}
	kind := KindOf(err)
	if kind == ConversionFailed {
		return ConversionMessage(ReasonOf(err))
	}
	if m, ok := messages[kind]; ok {
		return m
	}
	return messages[Unexpected]
}

// ConversionMessage maps a conversion reason code; unknown codes get the
// generic conversion copy.
func ConversionMessage(reason string) Message {
	if m, ok := conversionMessages[reason]; ok {
		return m
	}
	return conversionMessages[ReasonConversionFailed]
}

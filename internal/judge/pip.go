package judge

import (
	"fmt"
	"strings"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
)

// PipID is the reserved participant id of the AI opponent.
const PipID int64 = -1

func Pip() engine.Participant {
	return engine.Participant{ID: PipID, DisplayName: "Pip", IsAI: true}
}

var pipStyles = []string{
	"soft watercolor, warm morning light",
	"cinematic wide shot, dramatic rim lighting",
	"isometric diorama, pastel palette",
	"oil painting, thick brush strokes, golden hour",
}

// PipPrompt is the AI opponent's prompt for a challenge.
func PipPrompt(ch engine.Challenge) string {
	text := strings.TrimSpace(ch.Text)
	if text == "" {
		text = "a mysterious scene"
	}
	style := pipStyles[int(hash(text))%len(pipStyles)]
	return fmt.Sprintf("%s, %s, highly detailed", text, style)
}

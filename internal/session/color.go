package session

// displayPalette is the fixed set of collaborator colors. Assignment is a pure
// function of the user id, so a user keeps the same color across sessions
// without coordination or storage. Distinct users may collide.
var displayPalette = []string{
	"#e63946", "#f4a261", "#e9c46a", "#2a9d8f",
	"#264653", "#6d597a", "#b56576", "#3d5a80",
	"#457b9d", "#8338ec", "#06d6a0", "#ef476f",
}

// ColorForUser derives a deterministic display color from a user id using a
// polynomial string hash modulo the palette size.
func ColorForUser(userID string) string {
	hash := 0
	for _, r := range userID {
		hash = hash*31 + int(r)
	}
	if hash < 0 {
		hash = -hash
	}
	return displayPalette[hash%len(displayPalette)]
}

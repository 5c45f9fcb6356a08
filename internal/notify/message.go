package notify

import (
	"context"
	"fmt"
	"strings"

	"grug/internal/occurrence"
)

const foodHistoryLimit = 10

// FoodMessage renders the food reminder text.
func FoodMessage(occ *occurrence.EventOccurrence, bringers []occurrence.User, assigned *occurrence.User) string {
	var b strings.Builder
	b.WriteString("The last people to bring food were:")
	for _, u := range bringers {
		b.WriteString("\n- ")
		b.WriteString(u.DisplayName())
	}
	if len(bringers) == 0 {
		b.WriteString("\n- nobody yet")
	}
	if assigned != nil {
		fmt.Fprintf(&b, "\n\n%s volunteered to bring food next.", assigned.DisplayName())
	} else {
		fmt.Fprintf(&b, "\n\nGrug want know, who bring food %s?", occ.Date)
	}
	return b.String()
}

// AttendanceMessage renders the attendance reminder text.
func AttendanceMessage(occ *occurrence.EventOccurrence, attendees []occurrence.User) string {
	var b strings.Builder
	name := "Next session"
	if occ.Event != nil {
		name = occ.Event.Name
	}
	fmt.Fprintf(&b, "%s on %s at %s", name, occ.Date, occ.Time)
	if len(attendees) > 0 {
		b.WriteString("\nAttending:")
		for _, u := range attendees {
			b.WriteString("\n- ")
			b.WriteString(u.DisplayName())
		}
	}
	b.WriteString("\n\nWill you be attending?")
	return b.String()
}

// renderFood loads what the food message needs from the session.
func renderFood(ctx context.Context, occ *occurrence.EventOccurrence, s *occurrence.Session) (string, error) {
	if occ.Event == nil {
		return "", fmt.Errorf("occurrence %d: event not loaded", occ.ID)
	}
	bringers, err := s.LastFoodBringers(ctx, occ.Event.GroupID, foodHistoryLimit)
	if err != nil {
		return "", err
	}
	var assigned *occurrence.User
	if occ.FoodUserID != nil {
		if assigned, err = s.User(ctx, *occ.FoodUserID); err != nil {
			return "", err
		}
	}
	return FoodMessage(occ, bringers, assigned), nil
}

func renderAttendance(ctx context.Context, occ *occurrence.EventOccurrence, s *occurrence.Session) (string, error) {
	attendees, err := s.Attendees(ctx, occ.ID)
	if err != nil {
		return "", err
	}
	return AttendanceMessage(occ, attendees), nil
}

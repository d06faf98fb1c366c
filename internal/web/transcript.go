package web

import (
	"html/template"
	"net/http"

	"github.com/nugget/reeve/internal/memory"
)

// TranscriptData is the template context for the room transcript page.
type TranscriptData struct {
	PageData
	RoomID   string
	RoomName string
	Entries  []transcriptRow
}

// transcriptRow is one rendered line of the transcript: a message, a
// thought, or one phase of an action.
type transcriptRow struct {
	Kind       string // message, thought, call, result
	Author     string
	When       string
	HTML       template.HTML
	Text       string
	Action     string
	Detail     string
	Processing bool
	Failed     bool
}

// handleTranscript renders one room's memory log, oldest first.
// Calls that have no result yet get a processing badge.
func (ui *UI) handleTranscript(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	if ui.store == nil {
		http.Error(w, "memory store not configured", http.StatusServiceUnavailable)
		return
	}

	mems, err := ui.store.GetMemories(r.Context(), memory.Query{RoomID: roomID, Count: 200})
	if err != nil {
		ui.logger.Error("transcript query failed", "room_id", roomID, "error", err)
		http.Error(w, "transcript query failed", http.StatusInternalServerError)
		return
	}

	data := TranscriptData{
		PageData: ui.pageData("overview"),
		RoomID:   roomID,
		RoomName: roomID,
	}

	names := map[string]string{}
	if ui.directory != nil {
		if room, err := ui.directory.GetRoom(r.Context(), roomID); err == nil && room != nil && room.Name != "" {
			data.RoomName = room.Name
		}
		if parts, err := ui.directory.Participants(r.Context(), roomID); err == nil {
			for _, p := range parts {
				name := p.Name
				if name == "" {
					name = p.Username
				}
				names[p.ID] = name
			}
		}
	}

	settled := map[string]bool{}
	for _, m := range mems {
		if ac, ok := m.Action(); ok && ac.Kind == memory.ActionResult {
			settled[ac.CallID] = true
		}
	}

	// The store returns newest first; the transcript reads top-down.
	for i := len(mems) - 1; i >= 0; i-- {
		m := mems[i]
		row := transcriptRow{
			When:   m.CreatedAt.Format("Jan 2 15:04:05"),
			Author: names[m.UserID],
		}
		if row.Author == "" {
			row.Author = m.UserID
		}

		switch m.Type {
		case memory.TypeMessage:
			mc, _ := m.Message()
			row.Kind = "message"
			row.HTML = renderMarkdown(mc.Text)
		case memory.TypeThought:
			tc, _ := m.Thought()
			row.Kind = "thought"
			row.Text = tc.Text
		case memory.TypeAction:
			ac, _ := m.Action()
			row.Action = ac.Name
			if ac.Kind == memory.ActionCall {
				row.Kind = "call"
				row.Detail = string(ac.Params)
				row.Processing = !settled[m.ID]
			} else {
				row.Kind = "result"
				if ac.Error != "" {
					row.Failed = true
					row.Detail = ac.Error
				} else {
					row.Detail = string(ac.Result)
				}
			}
		default:
			continue
		}
		data.Entries = append(data.Entries, row)
	}

	ui.render(w, r, "transcript.html", data)
}

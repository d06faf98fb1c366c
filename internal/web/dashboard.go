package web

import (
	"context"
	"net/http"
	"time"

	"github.com/nugget/reeve/internal/actors"
	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/memory"
)

// DashboardData is the template context for the overview page.
type DashboardData struct {
	PageData
	Stats       Stats
	Rooms       []roomRow
	ActionCount int
	Uptime      string
	Version     string
}

// roomRow is a display-friendly room summary for the overview table.
type roomRow struct {
	ID       string
	Name     string
	LastText string
	LastSeen string
}

// handleDashboard renders the overview page: session counters, rooms
// with their latest activity, and build identity.
func (ui *UI) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := DashboardData{
		PageData: ui.pageData("overview"),
		Uptime:   buildinfo.Uptime().Round(time.Second).String(),
		Version:  buildinfo.Version,
	}

	if ui.statsFunc != nil {
		data.Stats = ui.statsFunc()
	}
	if ui.registry != nil {
		data.ActionCount = len(ui.registry.All())
	}
	if ui.directory != nil {
		rooms, err := ui.directory.Rooms(r.Context())
		if err != nil {
			ui.logger.Error("list rooms", "error", err)
			http.Error(w, "list rooms failed", http.StatusInternalServerError)
			return
		}
		data.Rooms = ui.roomRows(r.Context(), rooms)
	}

	ui.render(w, r, "dashboard.html", data)
}

func (ui *UI) roomRows(ctx context.Context, rooms []actors.Room) []roomRow {
	rows := make([]roomRow, 0, len(rooms))
	for _, room := range rooms {
		row := roomRow{ID: room.ID, Name: room.Name}
		if row.Name == "" {
			row.Name = room.ID
		}
		if ui.store != nil {
			mems, err := ui.store.GetMemories(ctx, memory.Query{
				RoomID: room.ID,
				Type:   memory.TypeMessage,
				Count:  1,
			})
			if err != nil {
				ui.logger.Error("room activity lookup failed", "room_id", room.ID, "error", err)
			} else if len(mems) > 0 {
				if mc, ok := mems[0].Message(); ok {
					row.LastText = truncate(mc.Text, 80)
				}
				row.LastSeen = timeAgo(mems[0].CreatedAt)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

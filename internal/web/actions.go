package web

import "net/http"

// ActionsData is the template context for the action catalog page.
type ActionsData struct {
	PageData
	Actions []actionRow
}

type actionRow struct {
	Name        string
	Description string
	Enabled     bool
}

// handleActions renders the registered action catalog.
func (ui *UI) handleActions(w http.ResponseWriter, r *http.Request) {
	data := ActionsData{PageData: ui.pageData("actions")}

	if ui.registry != nil {
		for _, a := range ui.registry.All() {
			data.Actions = append(data.Actions, actionRow{
				Name:        a.Name,
				Description: a.Description,
				Enabled:     a.Enabled,
			})
		}
	}

	ui.render(w, r, "actions.html", data)
}

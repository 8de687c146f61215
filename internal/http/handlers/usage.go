package handlers

import "net/http"

// Usage reports the calling user's remaining quota, cooldown state, and
// whether the global kill switch has tripped.
func (a *App) Usage(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	snap := a.Gate.UsageSnapshot(r.Context(), userID)
	a.json(w, http.StatusOK, map[string]any{
		"daily_cap":       snap.DailyCap,
		"remaining_today": snap.RemainingToday,
		"cooldown_active": snap.CooldownActive,
		"kill_switch_on":  snap.KillSwitchOn,
	})
}

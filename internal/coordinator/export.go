package coordinator

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// exportColumns is the CSV header, kept stable for downstream tooling.
var exportColumns = []string{
	"command_id", "agent_id", "command", "status",
	"created_at", "sent_at", "completed_at",
	"stdout", "stderr", "exit_code", "execution_time", "error_message",
}

// handleExport serves GET /history/export in json (default) or csv.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f := listFilterFromQuery(r)
	f.Limit = 0 // export is unbounded; the filter narrows instead

	cmds, err := s.store.ListCommands(f)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to export history")
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable", "")
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		if cmds == nil {
			cmds = []Command{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="history.json"`)
		if err := json.NewEncoder(w).Encode(cmds); err != nil {
			s.log.Error().Err(err).Msg("failed to write json export")
		}

	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="history.csv"`)
		cw := csv.NewWriter(w)
		if err := cw.Write(exportColumns); err != nil {
			return
		}
		for i := range cmds {
			if err := cw.Write(exportRecord(&cmds[i])); err != nil {
				return
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			s.log.Error().Err(err).Msg("failed to write csv export")
		}

	default:
		s.respondError(w, http.StatusBadRequest, "format must be json or csv", "")
	}
}

func exportRecord(c *Command) []string {
	exitCode := ""
	if c.ExitCode != nil {
		exitCode = strconv.Itoa(*c.ExitCode)
	}
	execTime := ""
	if c.ExecutionTime != nil {
		execTime = strconv.FormatFloat(*c.ExecutionTime, 'f', -1, 64)
	}
	return []string{
		c.CommandID,
		c.AgentID,
		c.Command,
		string(c.Status),
		c.CreatedAt.Format(time.RFC3339),
		formatOptionalTime(c.SentAt),
		formatOptionalTime(c.CompletedAt),
		c.Stdout,
		c.Stderr,
		exitCode,
		execTime,
		c.ErrorMessage,
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/e3mail/internal/keymail"
	"github.com/nhle/e3mail/internal/keyscan"
	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/oracle"
	appsync "github.com/nhle/e3mail/internal/sync"
	"github.com/nhle/e3mail/internal/theme"
	"github.com/nhle/e3mail/internal/undo"
)

func line(label string, value any) string {
	return theme.LabelStyle.Render(label) + fmt.Sprint(value)
}

func renderOK(msg string) string {
	return theme.OKStyle.Render("✓") + " " + msg
}

func renderHint(msg string) string {
	return theme.HelpStyle.Render(msg)
}

func renderError(err error) string {
	return theme.ErrorStyle.Render("error:") + " " + err.Error()
}

func renderUndo(rep *undo.Report) string {
	var b strings.Builder
	b.WriteString(theme.HeaderStyle.Render("Undo encryption"))
	b.WriteString(theme.OutcomeStyle(string(rep.Outcome)).Render(string(rep.Outcome)))
	b.WriteByte('\n')

	lines := []string{
		line("account", rep.AccountID),
		line("folder", rep.Folder),
		line("discovered", rep.Discovered),
		line("replaced", len(rep.Replaced)),
	}
	if rep.Replayed > 0 {
		lines = append(lines, line("replayed", rep.Replayed))
	}
	if len(rep.NotEncrypted) > 0 {
		lines = append(lines, line("not encrypted", len(rep.NotEncrypted)))
	}
	for _, r := range rep.Replaced {
		if !r.Uploaded {
			lines = append(lines, line("not uploaded "+r.OriginalUID, theme.WarnStyle.Render(r.StagedUID)))
		}
	}
	for _, s := range rep.Skipped {
		lines = append(lines, line("skipped "+s.UID, theme.WarnStyle.Render(s.Err.Error())))
	}
	if rep.Err != nil {
		lines = append(lines, line("error", theme.ErrorStyle.Render(rep.Err.Error())))
	}
	b.WriteString(theme.BorderStyle.Render(strings.Join(lines, "\n")))
	return b.String()
}

func renderScan(rep *keyscan.Report) string {
	var b strings.Builder
	b.WriteString(theme.HeaderStyle.Render("Key emails " + rep.AccountID))
	b.WriteByte('\n')

	lines := []string{
		line("folder", rep.Folder),
		line("found", rep.Found),
		line("applied", rep.Applied),
		line("already applied", rep.AlreadyApplied),
		line("keys added", rep.KeysAdded),
		line("keys deleted", rep.KeysDeleted),
	}
	if rep.KeysFailed > 0 {
		lines = append(lines, line("keys failed", theme.WarnStyle.Render(fmt.Sprint(rep.KeysFailed))))
	}
	if rep.Malformed > 0 {
		lines = append(lines, line("malformed", theme.WarnStyle.Render(fmt.Sprint(rep.Malformed))))
	}
	for _, ig := range rep.Ignored {
		check := theme.CheckStyle(string(ig.Check)).Render(string(ig.Check))
		lines = append(lines, line("ignored "+ig.UID, check+" "+ig.Detail))
	}
	b.WriteString(theme.BorderStyle.Render(strings.Join(lines, "\n")))

	for _, c := range rep.AwaitingVerification {
		b.WriteByte('\n')
		b.WriteString(theme.WarnStyle.Render("awaiting verification: ") + c.Name)
		b.WriteByte('\n')
		b.WriteString(line("  phrase", c.Verification))
		b.WriteByte('\n')
		b.WriteString(line("  digest", c.Digest))
		b.WriteByte('\n')
		b.WriteString(renderHint(fmt.Sprintf("  compare the phrase with the other device, then run: e3mail keys verify %s %q",
			rep.AccountID, c.Verification)))
	}
	return b.String()
}

func renderUpload(built *keymail.Built) string {
	lines := []string{
		line("phrase", built.Verification),
		line("digest", built.Digest),
		line("date", built.Date.Format("2006-01-02 15:04:05")),
	}
	return theme.HeaderStyle.Render("Key upload") + "\n" +
		theme.BorderStyle.Render(strings.Join(lines, "\n")) + "\n" +
		renderHint("confirm this phrase on the receiving device with \"e3mail keys verify\"")
}

func renderVerification(v *keyscan.Verification) string {
	msg := fmt.Sprintf("trusted %s (%d keys added)", v.Name, v.KeysAdded)
	if v.SenderKeyID != 0 {
		msg += fmt.Sprintf(", confirmed sender key %s", v.SenderKeyID)
	}
	return renderOK(msg)
}

func renderKeys(accounts []model.AccountConfig, known []oracle.KeyInfo) string {
	var b strings.Builder
	b.WriteString(theme.HeaderStyle.Render("This device"))
	b.WriteByte('\n')
	for _, acc := range accounts {
		id := acc.E3KeyID
		if id == "" {
			id = theme.HelpStyle.Render("no key")
		}
		b.WriteString(line(acc.ID, id))
		b.WriteByte('\n')
	}

	b.WriteString(theme.HeaderStyle.Render("Other devices"))
	b.WriteByte('\n')
	if len(known) == 0 {
		b.WriteString(theme.HelpStyle.Render("none"))
		return b.String()
	}
	rows := make([]string, 0, len(known))
	for _, k := range known {
		rows = append(rows, line(k.ID.String(), k.Name))
	}
	b.WriteString(lipgloss.JoinVertical(lipgloss.Left, rows...))
	return b.String()
}

func renderResult(res appsync.Result) string {
	acct := theme.HelpStyle.Render(res.AccountID)
	switch {
	case res.AuthFailed:
		return acct + " " + theme.ErrorStyle.Render("authentication failed; run e3mail login "+res.AccountID)
	case res.Error != nil:
		return acct + " " + theme.SyncStateStyle(appsync.SyncError.String()).Render(res.Error.Error())
	case res.Report == nil:
		return acct
	}
	rep := res.Report
	msg := fmt.Sprintf("found %d, applied %d, keys +%d -%d", rep.Found, rep.Applied, rep.KeysAdded, rep.KeysDeleted)
	if n := len(rep.AwaitingVerification); n > 0 {
		msg += theme.WarnStyle.Render(fmt.Sprintf(", %d awaiting verification", n))
	}
	return acct + " " + theme.SyncStateStyle(appsync.SyncIdle.String()).Render("ok") + " " + msg
}

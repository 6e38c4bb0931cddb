package events

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/storage"
)

// dossierChunkSize is the telegram message length limit
const dossierChunkSize = 4096

// sendDossier DMs the issuer a formatted profile of the target, split into
// message-sized chunks, and logs the lookup
func (m *Moderation) sendDossier(ctx context.Context, req *Request, target storage.User) error {
	grant, err := resolveGrant(ctx, m.RolesStore, m.Catalog, target.ID, req.Group.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve level of user %d: %w", target.ID, err)
	}
	memberships, err := m.Memberships.ByUser(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("failed to list memberships of user %d: %w", target.ID, err)
	}

	text := renderDossier(ctx, m.Groups, target, grant.Level, memberships)
	for _, chunk := range splitChunks(text, dossierChunkSize) {
		if _, err := sendHTML(req.API, req.Issuer.ID, chunk); err != nil {
			return fmt.Errorf("failed to DM dossier to user %d: %w", req.Issuer.ID, err)
		}
	}

	m.logAction(ctx, req, audit.Info, target, "", time.Time{}, req.Group)
	return nil
}

// renderDossier builds the full dossier HTML before chunking
func renderDossier(ctx context.Context, groups *storage.Groups, target storage.User,
	level string, memberships []storage.Membership) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👤 <b>%s</b>\n", html.EscapeString(target.DisplayName()))
	fmt.Fprintf(&b, "🆔 ID: <code>%d</code>\n", target.ID)
	if target.Username != "" {
		fmt.Fprintf(&b, "📎 Username: @%s\n", html.EscapeString(target.Username))
	}
	fmt.Fprintf(&b, "⭐️ Reputazione: %d\n", target.Reputation)
	fmt.Fprintf(&b, "🟡 Warn: %d\n", target.WarnCount)
	fmt.Fprintf(&b, "🔰 Livello: %s\n", level)
	if !target.LastSeen.IsZero() {
		fmt.Fprintf(&b, "🕐 Ultima attività: %s\n", target.LastSeen.Format("02/01/2006 15:04"))
	}
	if target.Banned {
		b.WriteString("⛔️ <b>BANNATO DAL NETWORK</b>\n")
	}

	if len(memberships) == 0 {
		return b.String()
	}
	b.WriteString("\n👥 <b>Gruppi</b>:\n")
	for _, membership := range memberships {
		title := fmt.Sprintf("%d", membership.GroupID)
		link := ""
		if group, found, err := groups.Get(ctx, membership.GroupID); err == nil && found {
			title = html.EscapeString(group.Title)
			link = group.InviteLink
		}
		line := fmt.Sprintf("- <code>%d</code> [%s] %s (%d msg)",
			membership.GroupID, statusAbbrev(membership.Status), title, membership.MessagesCount)
		if link != "" {
			line = fmt.Sprintf("- <code>%d</code> [%s] <a href=\"%s\">%s</a> (%d msg)",
				membership.GroupID, statusAbbrev(membership.Status), link, title, membership.MessagesCount)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// statusAbbrev compresses the membership status to one letter for the listing
func statusAbbrev(s storage.MembershipStatus) string {
	switch s {
	case storage.StatusCreator:
		return "C"
	case storage.StatusAdministrator:
		return "A"
	case storage.StatusMember:
		return "M"
	case storage.StatusRestricted:
		return "R"
	case storage.StatusLeft:
		return "L"
	case storage.StatusKicked:
		return "K"
	}
	log.Printf("[WARN] unknown membership status %q", s)
	return "?"
}

// splitChunks breaks the text on line boundaries into pieces below the limit.
// A single line longer than the limit is split mid-line.
func splitChunks(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var res []string
	var cur strings.Builder
	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			if cur.Len() > 0 {
				res = append(res, cur.String())
				cur.Reset()
			}
			res = append(res, line[:limit])
			line = line[limit:]
		}
		if cur.Len() > 0 && cur.Len()+len(line)+1 > limit {
			res = append(res, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		res = append(res, cur.String())
	}
	return res
}

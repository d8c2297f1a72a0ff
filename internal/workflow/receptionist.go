package workflow

import (
	"context"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/prompts"
)

const (
	defaultAskNext = "您愿意先告诉我一个称呼（可以用昵称），以及您的性别和年龄吗？"
	defaultClosing = "谢谢你的配合，这些信息会帮助我更好地理解你的处境。接下来我们会一起梳理你目前最关心的困扰。"
)

var receptionistPolicy = map[string]any{
	"name_optional":      true,
	"allow_nickname":     true,
	"allow_skip_unknown": true,
	"tone":               "咨询师风格，温和、不评判、非查表",
}

// receptionist collects the intake profile.
func receptionist(ctx context.Context, t *turn, st domain.State) (domain.State, error) {
	missing := MissingFields(st.Profile)
	if len(st.Plan) > 0 || (len(missing) == 0 && st.ExplorationRound > 0) {
		return skip(st, StageReceptionist, "profile_complete", nil)
	}

	if len(st.Messages) == 0 && st.LastUserReply != "" {
		st.AddMessage(domain.RoleUser, st.LastUserReply)
		st.LastUserReply = ""
	}
	reply := st.LatestUserMessage()

	prompt, err := t.render(prompts.Receptionist, map[string]any{
		"profile":         st.Profile,
		"missing_fields":  missing,
		"last_user_reply": reply,
		"policy":          receptionistPolicy,
	})
	if err != nil {
		return st, err
	}
	data, err := t.streamJSON(ctx, prompt)
	if err != nil {
		return st, err
	}

	// The greeting pass has no user words to extract anything from.
	if reply != "" {
		if updated := asMap(data["updated_fields"]); updated != nil {
			st.Profile = mergeProfile(st.Profile, normalizeProfile(updated))
		}
		st.ExplorationNotes = append(st.ExplorationNotes, asStrings(data["notes"])...)
	}

	missing = MissingFields(st.Profile)
	st.ProfileCompleteness = Completeness(st.Profile)

	st.AddMessage(domain.RoleAssistant, asText(data["empathic_opening"]))
	if len(missing) > 0 {
		ask := asText(data["ask_next"])
		if ask == "" {
			ask = defaultAskNext
		}
		st.AddMessage(domain.RoleAssistant, ask)
		st.AwaitingUserReply = true
	} else {
		closing := asText(data["closing"])
		if closing == "" {
			closing = defaultClosing
		}
		st.AddMessage(domain.RoleAssistant, closing)
		st.AwaitingUserReply = false
	}
	st.LastUserReply = ""

	if missing == nil {
		missing = []string{}
	}
	t.emit(ctx, events.TypeState, map[string]any{
		"profile":              st.Profile,
		"profile_completeness": st.ProfileCompleteness,
	})
	st.Log(string(StageReceptionist), domain.StatusCompleted, map[string]any{
		"profile_completeness": st.ProfileCompleteness,
		"missing_fields":       missing,
	})
	return st, nil
}

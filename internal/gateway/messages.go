package gateway

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"relaygate/internal/domain"
)

// Message keys that are not backend error codes.
const (
	msgUnrouted   = "unrouted"
	msgHelp       = "help"
	msgListHeader = "list_header"
	msgListEmpty  = "list_empty"
	msgFooter     = "footer"
	msgFileLink   = "file_link"
)

var supportedLocales = []language.Tag{language.Japanese, language.English}

var localeMatcher = language.NewMatcher(supportedLocales)

// messageTable maps a key to its text per supported locale, in
// supportedLocales order.
var messageTable = map[string][2]string{
	"bedrock_throttling": {
		"現在リクエストが集中しています。しばらくしてから再度お試しください。",
		"The service is busy right now. Please try again in a moment.",
	},
	"bedrock_timeout": {
		"処理がタイムアウトしました。内容を短くして再度お試しください。",
		"The request timed out. Please try again with a shorter request.",
	},
	"bedrock_access_denied": {
		"AIサービスへのアクセスが拒否されました。管理者に連絡してください。",
		"Access to the AI service was denied. Please contact your administrator.",
	},
	"model_error": {
		"AIモデルでエラーが発生しました。再度お試しください。",
		"The AI model returned an error. Please try again.",
	},
	"file_too_large": {
		"ファイルが大きすぎるため処理できません。",
		"The file is too large to process.",
	},
	"unsupported_file_type": {
		"このファイル形式には対応していません。",
		"This file type is not supported.",
	},
	"attachment_download_failed": {
		"添付ファイルを取得できませんでした。",
		"The attachment could not be downloaded.",
	},
	"validation_error": {
		"リクエストの内容が正しくありません。",
		"The request could not be validated.",
	},
	"internal_error": {
		"内部エラーが発生しました。時間をおいて再度お試しください。",
		"An internal error occurred. Please try again later.",
	},
	"existence_check_failed": {
		"ワークスペース、ユーザー、またはチャンネルを確認できませんでした。",
		"The workspace, user or channel could not be verified.",
	},
	"unauthorized": {
		"このワークスペースまたはチャンネルでは利用が許可されていません。",
		"You are not authorized to use this assistant here.",
	},
	"rate_limit_exceeded": {
		"リクエストの上限に達しました。しばらくしてから再度お試しください。",
		"Request limit reached. Please wait a moment and try again.",
	},
	msgUnrouted: {
		"ご依頼に対応できるエージェントが見つかりませんでした。「何ができる？」と聞くと利用可能なエージェントを確認できます。",
		"No agent could handle this request. Ask what I can do to see the available agents.",
	},
	msgHelp: {
		"メンションに続けてご依頼内容を書いてください。",
		"Mention me followed by what you need.",
	},
	msgListHeader: {
		"利用可能なエージェント:",
		"Available agents:",
	},
	msgListEmpty: {
		"現在利用可能なエージェントはありません。",
		"No agents are available right now.",
	},
	msgFooter: {
		"— %s が回答しました",
		"— answered by %s",
	},
	msgFileLink: {
		"結果ファイル (%s): %s",
		"Result file (%s): %s",
	},
}

// Messages renders user-facing text in one locale. Unknown keys fall back to
// the generic internal error.
type Messages struct {
	index int
	tag   language.Tag
}

// NewMessages picks the closest supported locale; Japanese is the default.
func NewMessages(locale string) *Messages {
	if strings.TrimSpace(locale) == "" {
		locale = "ja"
	}
	_, index := language.MatchStrings(localeMatcher, locale)
	return &Messages{index: index, tag: supportedLocales[index]}
}

func (m *Messages) Locale() language.Tag { return m.tag }

func (m *Messages) text(key string) string {
	entry, ok := messageTable[key]
	if !ok {
		entry = messageTable["internal_error"]
	}
	return entry[m.index]
}

// Error translates a backend or gate error code. Raw codes never reach the user.
func (m *Messages) Error(code string) string { return m.text(code) }

func (m *Messages) Unrouted() string { return m.text(msgUnrouted) }

// Help returns the configured help text, or the built-in one.
func (m *Messages) Help(custom string) string {
	if custom != "" {
		return custom
	}
	return m.text(msgHelp)
}

func (m *Messages) Footer(name string) string {
	return fmt.Sprintf(m.text(msgFooter), name)
}

func (m *Messages) FileLink(name, url string) string {
	return fmt.Sprintf(m.text(msgFileLink), name, url)
}

// AgentList renders the capability listing for list_agents.
func (m *Messages) AgentList(cards []domain.AgentCard) string {
	if len(cards) == 0 {
		return m.text(msgListEmpty)
	}
	var sb strings.Builder
	sb.WriteString(m.text(msgListHeader))
	for _, c := range cards {
		fmt.Fprintf(&sb, "\n• *%s*", c.Name)
		if c.Description != "" {
			fmt.Fprintf(&sb, ": %s", c.Description)
		}
		for _, s := range c.Skills {
			fmt.Fprintf(&sb, "\n    - %s", s.Name)
			if s.Description != "" {
				fmt.Fprintf(&sb, ": %s", s.Description)
			}
		}
	}
	return sb.String()
}

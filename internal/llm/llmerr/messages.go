package llmerr

import (
	"strings"

	"golang.org/x/text/language"
)

var supported = []language.Tag{language.English, language.SimplifiedChinese}

var matcher = language.NewMatcher(supported)

var catalogs = map[language.Tag]map[Code]string{
	language.English: {
		CodeRateLimit:     "The AI service is busy right now. Please wait a moment and try again.",
		CodeServerError:   "The AI service is temporarily unavailable. Please try again shortly.",
		CodeAuthError:     "The AI service is not configured correctly. Please contact your administrator.",
		CodeTimeout:       "The AI service took too long to respond. Please try again.",
		CodeNetwork:       "Could not reach the AI service. Check the network connection and try again.",
		CodeContentFilter: "The request was blocked by the AI service's content policy. Please rephrase it.",
		CodeContextLength: "The conversation is too long for the model. Start a new conversation or shorten your message.",
		CodeInternal:      "Something went wrong while processing your request.",
	},
	language.SimplifiedChinese: {
		CodeRateLimit:     "AI 服务当前繁忙，请稍后再试。",
		CodeServerError:   "AI 服务暂时不可用，请稍后重试。",
		CodeAuthError:     "AI 服务配置有误，请联系管理员。",
		CodeTimeout:       "AI 服务响应超时，请重试。",
		CodeNetwork:       "无法连接到 AI 服务，请检查网络后重试。",
		CodeContentFilter: "请求被 AI 服务的内容策略拦截，请修改后重试。",
		CodeContextLength: "对话内容超出模型上限，请新建对话或缩短消息。",
		CodeInternal:      "处理请求时出现错误。",
	},
}

// Message returns the user-facing text for code in the closest supported
// language. lang may be a single tag or an Accept-Language header.
func Message(code Code, lang string) string {
	tag := matchLanguage(lang)
	if msg, ok := catalogs[tag][code]; ok {
		return msg
	}
	return catalogs[language.English][CodeInternal]
}

func matchLanguage(lang string) language.Tag {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return language.English
	}
	tags, _, err := language.ParseAcceptLanguage(lang)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, _ := matcher.Match(tags...)
	return supported[idx]
}

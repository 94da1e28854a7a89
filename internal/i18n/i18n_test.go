package i18n

import (
	"encoding/json"
	"testing"

	"github.com/multi-ai-tgbot-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allLanguages = []string{"en", "zh", "zh-TW", "es", "ja", "de", "fr", "ru"}

func newTestLocalizer(t *testing.T) *Localizer {
	t.Helper()
	l, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: allLanguages})
	require.NoError(t, err)
	return l
}

func defaultKeys(t *testing.T) []string {
	t.Helper()
	data, err := localeFiles.ReadFile("locales/en.json")
	require.NoError(t, err)
	var table map[string]string
	require.NoError(t, json.Unmarshal(data, &table))
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	return keys
}

func TestEveryLocaleHasEveryKey(t *testing.T) {
	l := newTestLocalizer(t)
	keys := defaultKeys(t)

	for _, lang := range allLanguages {
		data, err := localeFiles.ReadFile("locales/" + lang + ".json")
		require.NoError(t, err, lang)
		var table map[string]string
		require.NoError(t, json.Unmarshal(data, &table), lang)

		for _, key := range keys {
			assert.NotEmpty(t, table[key], "%s is missing %s", lang, key)
			assert.NotEmpty(t, l.Translate(key, lang, nil))
		}
	}
}

func TestCommandDescriptionsExist(t *testing.T) {
	l := newTestLocalizer(t)
	for _, cmd := range []string{"start", "language", "switchmodel", "new", "history", "help", "img", "flux"} {
		key := CommandDescriptionKey(cmd)
		assert.NotEqual(t, key, l.Translate(key, "en", nil))
	}
}

func TestTranslateFallsBackToDefaultThenKey(t *testing.T) {
	l := newTestLocalizer(t)

	assert.Equal(t, l.Translate(MsgWelcome, "en", nil), l.Translate(MsgWelcome, "pt", nil))
	assert.Equal(t, "no_such_key", l.Translate("no_such_key", "de", nil))
}

func TestTranslateSubstitutesPlaceholders(t *testing.T) {
	l := newTestLocalizer(t)

	got := l.Translate(MsgModelChanged, "en", map[string]string{"model": "gpt-4o"})
	assert.Contains(t, got, "gpt-4o")
	assert.NotContains(t, got, "{model}")

	// unmatched placeholders stay verbatim
	got = l.Translate(MsgModelChanged, "en", map[string]string{"other": "x"})
	assert.Contains(t, got, "{model}")
}

func TestNormalizeAliases(t *testing.T) {
	l := newTestLocalizer(t)

	assert.Equal(t, "zh-TW", l.Normalize("zh-Hant"))
	assert.Equal(t, "zh-TW", l.Normalize("zh-tw"))
	assert.Equal(t, "zh", l.Normalize("zh-CN"))
	assert.Equal(t, "de", l.Normalize("DE"))
	assert.True(t, l.Supported("zh-hant"))
	assert.False(t, l.Supported("pt"))
	assert.Equal(t, "繁體中文", l.Translate(MsgLanguageName, "zh-Hant", nil))
}

func TestNewLocalizerRequiresDefaultLanguage(t *testing.T) {
	_, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: []string{"de"}})
	assert.Error(t, err)

	_, err = NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en", "xx"}})
	assert.Error(t, err)
}

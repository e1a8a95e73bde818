package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginPage = `<?xml version="1.0" encoding="utf-8"?>
<root><![CDATA[<div id="main_messaqge_LCpo4">
<form method="post" name="login" id="loginform_LCpo4">
<input type="hidden" name="formhash" value="5448b1bc" />
<span id="seccode_cSAbDg"></span>
</form></div>]]></root>`

func TestLoginChallenge(t *testing.T) {
	c := New().LoginChallenge(loginPage)

	assert.Equal(t, LoginChallenge{FormHash: "5448b1bc", SeccodeHash: "cSAbDg", LoginHash: "LCpo4"}, c)
	assert.True(t, c.Complete())
	assert.Empty(t, c.Missing())
}

func TestLoginChallengeMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		missing []string
	}{
		{"no formhash", strings.Replace(loginPage, `name="formhash"`, `name="other"`, 1), []string{"formhash"}},
		{"no seccode", strings.Replace(loginPage, "seccode_", "sec_", 1), []string{"seccodehash"}},
		{"no loginhash", strings.Replace(loginPage, "main_messaqge_", "main_message_", 1), []string{"loginhash"}},
		{"empty", "", []string{"formhash", "seccodehash", "loginhash"}},
		{"garbage", "\x00<<![CDATA[", []string{"formhash", "seccodehash", "loginhash"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New().LoginChallenge(tt.body)
			assert.False(t, c.Complete())
			assert.Equal(t, tt.missing, c.Missing())
		})
	}
}

func TestCDATA(t *testing.T) {
	text, ok := New().CDATA(`<root><![CDATA[succeed]]></root>`)
	require.True(t, ok)
	assert.Equal(t, "succeed", text)

	text, ok = New().CDATA("<root>\n<![CDATA[line one\nline two]]></root>")
	require.True(t, ok)
	assert.Equal(t, "line one\nline two", text)

	_, ok = New().CDATA("<html>no fragment</html>")
	assert.False(t, ok)
}

func TestWelcomeUser(t *testing.T) {
	name, ok := New().WelcomeUser("欢迎您回来，书虫，现在将转入登录前页面")
	require.True(t, ok)
	assert.Equal(t, "书虫", name)

	_, ok = New().WelcomeUser("密码错误")
	assert.False(t, ok)
}

func TestSignHash(t *testing.T) {
	hash, ok := New().SignHash(`<a href="plugin.php?id=k_misign:sign&operation=qiandao&formhash=ab12CD34">`)
	require.True(t, ok)
	assert.Equal(t, "ab12CD34", hash)

	_, ok = New().SignHash(`formhash=short`)
	assert.False(t, ok)
}

func TestCredit(t *testing.T) {
	credit, ok := New().Credit(`<a href="space-uid=1.html?uid=98765">me</a><li><em>金钱: </em>1024 </li>`)
	require.True(t, ok)
	assert.Equal(t, Credit{Money: 1024, UID: "98765"}, credit)

	credit, ok = New().Credit(`<em>金钱: </em>7`)
	require.True(t, ok)
	assert.Equal(t, Credit{Money: 7}, credit)

	_, ok = New().Credit(`uid=1`)
	assert.False(t, ok)
}

func TestLoggedIn(t *testing.T) {
	assert.True(t, New().LoggedIn("<html>个人空间</html>"))
	assert.False(t, New().LoggedIn("<div>请先登录后才能继续浏览</div>"))
}

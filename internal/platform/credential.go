package platform

import (
	"context"
	"errors"
	"os"
	"strings"
	"unicode"
)

// ErrNoCredential は認証情報が見つからない場合のエラー。
var ErrNoCredential = errors.New("credential not found")

// CredentialProvider は(platform, account)ごとの認証情報を提供する。
// 返す値は不透明なトークンとして扱い、アダプタはBearerトークンとして送信する。
type CredentialProvider interface {
	Credential(ctx context.Context, platform, account string) (string, error)
}

// EnvCredentialProvider は環境変数から認証情報を読み込む。
// MEDIAAGENT_CREDENTIAL_<PLATFORM>_<ACCOUNT> を優先し、なければ MEDIAAGENT_CREDENTIAL_<PLATFORM> を使用する。
type EnvCredentialProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvCredentialProvider はEnvCredentialProviderを生成する。
func NewEnvCredentialProvider() *EnvCredentialProvider {
	return &EnvCredentialProvider{lookup: os.LookupEnv}
}

// Credential は認証情報を返す。見つからない場合はErrNoCredentialを返す。
func (p *EnvCredentialProvider) Credential(_ context.Context, platform, account string) (string, error) {
	if account != "" {
		if v, ok := p.lookup(CredentialEnvKey(platform, account)); ok && v != "" {
			return v, nil
		}
	}
	if v, ok := p.lookup(CredentialEnvKey(platform, "")); ok && v != "" {
		return v, nil
	}
	return "", ErrNoCredential
}

// CredentialEnvKey は認証情報の環境変数名を返す。英数字以外は'_'に置き換える。
func CredentialEnvKey(platform, account string) string {
	key := "MEDIAAGENT_CREDENTIAL_" + envSegment(platform)
	if account != "" {
		key += "_" + envSegment(account)
	}
	return key
}

func envSegment(s string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, s)
}

var _ CredentialProvider = (*EnvCredentialProvider)(nil)

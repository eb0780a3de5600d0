package compiler

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/manifold/pkg/errcode"
	"github.com/kadirpekel/manifold/pkg/manifest"
)

// jwtTTL bounds the lifetime of minted request tokens.
const jwtTTL = 10 * time.Minute

func applyAuth(m *manifest.Manifest, c *CompiledRequest) error {
	auth := m.Auth
	switch auth.Type {
	case "", manifest.AuthNone:

	case manifest.AuthBearer:
		secret, err := credential(m)
		if err != nil {
			return err
		}
		prefix := auth.Prefix
		if prefix == "" {
			prefix = "Bearer"
		}
		c.Header.Set("Authorization", strings.TrimSpace(prefix)+" "+secret)

	case manifest.AuthHeader:
		secret, err := credential(m)
		if err != nil {
			return err
		}
		value := secret
		if auth.Prefix != "" {
			value = strings.TrimSpace(auth.Prefix) + " " + secret
		}
		c.Header.Set(auth.HeaderName, value)

	case manifest.AuthQuery:
		secret, err := credential(m)
		if err != nil {
			return err
		}
		c.URL = appendQuery(c.URL, auth.ParamName+"="+url.QueryEscape(secret))

	case manifest.AuthJWT:
		secret, err := credential(m)
		if err != nil {
			return err
		}
		token, err := mintJWT(m.ID, secret)
		if err != nil {
			return errcode.Wrap(errcode.CodeAuthentication, "failed to sign request token", err)
		}
		c.Header.Set("Authorization", "Bearer "+token)

	default:
		return errcode.Newf(errcode.CodeInvalidRequest,
			"manifest %s: unknown auth type %q", m.ID, auth.Type)
	}

	for _, h := range auth.ExtraHeaders {
		c.Header.Set(h.Name, h.Value)
	}
	return nil
}

// credential resolves the provider secret from the environment. The error
// is classified so callers fail before any bytes leave the process.
func credential(m *manifest.Manifest) (string, error) {
	env := m.CredentialEnv()
	secret := strings.TrimSpace(os.Getenv(env))
	if secret == "" {
		return "", errcode.Newf(errcode.CodeAuthentication,
			"no credential for provider %s: environment variable %s is empty", m.ID, env)
	}
	return secret, nil
}

// mintJWT signs a short-lived HS256 token. Providers using JWT auth issue
// keys in "<id>.<secret>" form; the id half travels as the api_key claim
// and the secret half signs.
func mintJWT(providerID, key string) (string, error) {
	keyID, secret := key, key
	if i := strings.IndexByte(key, '.'); i > 0 && i < len(key)-1 {
		keyID, secret = key[:i], key[i+1:]
	}
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(providerID).
		IssuedAt(now).
		Expiration(now.Add(jwtTTL)).
		Claim("api_key", keyID).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

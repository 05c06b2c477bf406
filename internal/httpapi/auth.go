package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"orema/backend/internal/domain"
)

var errInvalidCredentials = errors.New("identifiants invalides")

// UserStore resolves login accounts. Both repositories implement it.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
}

type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	users      UserStore
	now        func() time.Time
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Username        string `json:"username"`
	Role            string `json:"role"`
	EstablishmentID string `json:"etablissement_id"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	// An empty PIN stays unhashed so ValidateManagerPIN always refuses.
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN != "" {
		if hashed, err := hashPassword(managerPIN); err == nil {
			managerPIN = hashed
		}
	}

	return &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
		users:      users,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || a.users == nil {
		return domain.LoginResponse{}, errInvalidCredentials
	}

	user, err := a.users.GetUserByUsername(ctx, username)
	if err != nil || user == nil {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !verifyPassword(user.Password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !user.Active {
		return domain.LoginResponse{}, errors.New("compte desactive")
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.sign(user, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken:     token,
		Role:            user.Role,
		EstablishmentID: user.EstablishmentID,
		ExpiresAt:       expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken turns a bearer token into the caller's request context.
func (a *AuthManager) ParseToken(tokenStr string) (domain.RequestContext, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.RequestContext{}, errors.New("jeton invalide ou expire")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.RequestContext{}, errors.New("sujet du jeton invalide")
	}
	if claims.EstablishmentID == "" {
		return domain.RequestContext{}, errors.New("jeton sans etablissement")
	}
	return domain.RequestContext{
		UserID:          sub,
		Username:        claims.Username,
		EstablishmentID: claims.EstablishmentID,
		Role:            claims.Role,
	}, nil
}

func (a *AuthManager) sign(user *domain.UserAccount, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "orema",
		},
		Username:        user.Username,
		Role:            user.Role,
		EstablishmentID: user.EstablishmentID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

type requestContextKey struct{}

func withRequestContext(ctx context.Context, rc domain.RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

func requestContextFrom(ctx context.Context) (domain.RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(domain.RequestContext)
	return rc, ok
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, err := a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withRequestContext(r.Context(), rc)))
	})
}

func (a *API) authenticate(r *http.Request) (domain.RequestContext, error) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		return domain.RequestContext{}, errors.New("jeton d'acces manquant")
	}
	return a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := requestContextFrom(r.Context())
			if !ok {
				writeError(w, http.StatusForbidden, errors.New("acces refuse"))
				return
			}
			if _, ok := allowed[rc.Role]; !ok {
				writeError(w, http.StatusForbidden, errors.New("role non autorise"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAdminOrCron lets the scheduler call maintenance routes with the shared
// secret header instead of a user token.
func (a *API) requireAdminOrCron(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret := r.Header.Get("X-Cron-Secret"); secret != "" {
			if a.cronSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(a.cronSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("secret cron invalide"))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		rc, err := a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if rc.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, errors.New("role non autorise"))
			return
		}
		next.ServeHTTP(w, r.WithContext(withRequestContext(r.Context(), rc)))
	})
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"OpenFAM-Supply/pkg/logger"
)

// Config 描述管理接口的认证方式。Tokens 为静态令牌，拥有全部权限；
// JWTSecret 非空时同时接受 HS256 签名的 JWT，权限取自 scope 声明。
type Config struct {
	Tokens    []string `yaml:"tokens" json:"tokens"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
}

// Claims 是 JWT 中使用的声明。
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Service 校验请求携带的令牌。
type Service struct {
	mode   Mode
	tokens [][sha256.Size]byte
	secret []byte
	issuer string
	audit  *slog.Logger
}

// NewService 创建认证服务，既无静态令牌也无 JWT 密钥时认证关闭。
func NewService(cfg Config) *Service {
	s := &Service{mode: ModeDisabled, issuer: cfg.Issuer}
	for _, token := range cfg.Tokens {
		if token = strings.TrimSpace(token); token != "" {
			s.tokens = append(s.tokens, sha256.Sum256([]byte(token)))
		}
	}
	if cfg.JWTSecret != "" {
		s.secret = []byte(cfg.JWTSecret)
	}
	if len(s.tokens) > 0 || len(s.secret) > 0 {
		s.mode = ModeEnabled
	}
	return s
}

// Mode 返回当前认证方式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// WithAuditLogger 指定审计日志输出。
func (s *Service) WithAuditLogger(l *slog.Logger) *Service {
	s.audit = l
	return s
}

func (s *Service) auditLogger() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}

// AuthenticateRequest 解析 Authorization 头并返回主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrMissingToken
	}
	sum := sha256.Sum256([]byte(token))
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(sum[:], s.tokens[i][:]) == 1 {
			return &Subject{
				Name:        fmt.Sprintf("static-%d", i),
				Method:      "token",
				Permissions: []string{PermissionRead, PermissionControl},
			}, nil
		}
	}
	if len(s.secret) == 0 {
		return nil, ErrInvalidToken
	}
	return s.verifyJWT(token)
}

func (s *Service) verifyJWT(token string) (*Subject, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if s.issuer != "" && !claims.VerifyIssuer(s.issuer, true) {
		return nil, ErrInvalidToken
	}
	return &Subject{
		Name:        claims.Subject,
		Method:      "jwt",
		Permissions: strings.Fields(claims.Scope),
	}, nil
}

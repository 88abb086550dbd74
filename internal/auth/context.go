package auth

import "context"

type subjectKey struct{}

// WithSubject 把通过认证的主体放入请求上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出主体，未认证的请求返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// Actor 返回审计日志中记录的操作者名称。认证关闭时为 anonymous。
func Actor(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return "anonymous"
}

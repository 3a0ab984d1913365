package auth

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
)

type ctxKey int

const (
	ctxOperatorID ctxKey = iota
	ctxRole
)

const ginOperatorKey = "operator_id"

var ErrNoOperator = errors.New("auth: operator_id not in context")

func WithOperator(ctx context.Context, operatorID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxOperatorID, operatorID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func OperatorID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxOperatorID).(string); ok && s != "" {
		return s, nil
	}
	return "", ErrNoOperator
}

// RoleAutomation marks service tokens issued to integrations rather than people.
const RoleAutomation = "automation"

// IsAutomation reports whether the request was made with a service token.
func IsAutomation(ctx context.Context) bool { return Role(ctx) == RoleAutomation }

func Role(ctx context.Context) string {
	s, _ := ctx.Value(ctxRole).(string)
	return s
}

// OperatorFromGin returns the operator stamped by RequireOperator, or "" when the
// route is not behind the middleware.
func OperatorFromGin(c *gin.Context) string {
	return c.GetString(ginOperatorKey)
}

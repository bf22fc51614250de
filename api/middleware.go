package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	errs "github.com/strongroom-io/strongroom/pkg/errors"
)

const subjectKey = "authSubject"

// authRequired validates the bearer token and stores its subject as the
// caller identity for the handler.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "authorization header required")
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			unauthorized(c, "authorization must use the Bearer scheme")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}
		if claims.Subject == "" {
			unauthorized(c, "token carries no subject")
			return
		}

		c.Set(subjectKey, common.HexToHash(claims.Subject))
		c.Next()
	}
}

// requireLeader refuses mutations on instances that lost the election.
func (s *Server) requireLeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.gate != nil && !s.gate.IsLeader() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": gin.H{
					"kind":    string(errs.KindPrecondition),
					"message": "this instance is not the partition leader",
				},
			})
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"kind":    string(errs.KindAuthorization),
			"message": msg,
		},
	})
}

func subject(c *gin.Context) common.Hash {
	v, _ := c.Get(subjectKey)
	h, _ := v.(common.Hash)
	return h
}

// writeError maps the failure kind to a status and emits the standard
// error envelope.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error("handler error",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"kind":    string(kind),
			"message": err.Error(),
		},
	})
}

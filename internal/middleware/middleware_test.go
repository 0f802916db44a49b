package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/eca-allocation-api/internal/models"
	"github.com/noah-isme/eca-allocation-api/internal/service"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
)

type tokenValidatorStub struct {
	claims *models.JWTClaims
}

func (s tokenValidatorStub) ValidateToken(token string) (*models.JWTClaims, error) {
	if token != "good" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
	}
	return s.claims, nil
}

type auditWriterStub struct {
	logs []models.AuditLog
}

func (s *auditWriterStub) CreateAuditLog(ctx context.Context, exec sqlx.ExtContext, log *models.AuditLog) error {
	s.logs = append(s.logs, *log)
	return nil
}

func newTestRouter(claims *models.JWTClaims, guard gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWT(tokenValidatorStub{claims: claims}))
	r.GET("/terms/:id/students/:studentId/selections", guard, func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func serve(r *gin.Engine, path, token string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestJWTRequiresBearerToken(t *testing.T) {
	r := newTestRouter(&models.JWTClaims{UserID: "admin", Role: models.RoleAdmin}, RequireRoles(models.RoleAdmin))

	assert.Equal(t, http.StatusUnauthorized, serve(r, "/terms/t/students/S1/selections", ""))
	assert.Equal(t, http.StatusUnauthorized, serve(r, "/terms/t/students/S1/selections", "bad"))
	assert.Equal(t, http.StatusOK, serve(r, "/terms/t/students/S1/selections", "good"))

	req := httptest.NewRequest(http.MethodGet, "/terms/t/students/S1/selections", nil)
	req.Header.Set("Authorization", "Basic good")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRBACGuardianAccess(t *testing.T) {
	parent := &models.JWTClaims{UserID: "p1", Role: models.RoleParent, StudentIDs: []string{"S1"}}
	teacher := &models.JWTClaims{UserID: "t1", Role: models.RoleTeacher}

	r := newTestRouter(parent, RequireStaffOrGuardian(models.RoleAdmin))
	assert.Equal(t, http.StatusOK, serve(r, "/terms/t/students/S1/selections", "good"))
	assert.Equal(t, http.StatusForbidden, serve(r, "/terms/t/students/S2/selections", "good"))

	r = newTestRouter(teacher, RequireStaffOrGuardian(models.RoleAdmin))
	assert.Equal(t, http.StatusForbidden, serve(r, "/terms/t/students/S1/selections", "good"))

	r = newTestRouter(parent, RequireRoles(models.RoleAdmin))
	assert.Equal(t, http.StatusForbidden, serve(r, "/terms/t/students/S1/selections", "good"))
}

func TestAuditRecordsSuccessfulRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	writer := &auditWriterStub{}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
		c.Next()
	})
	r.GET("/activities/:id/roster", Audit(writer, nil, "ECA_ROSTER_EXPORT", "eca_activity"), func(c *gin.Context) {
		if c.Query("fail") != "" {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/activities/act-1/roster?format=pdf", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/activities/act-1/roster?fail=1", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	require.Len(t, writer.logs, 1)
	log := writer.logs[0]
	assert.Equal(t, "ECA_ROSTER_EXPORT", log.Action)
	require.NotNil(t, log.ResourceID)
	assert.Equal(t, "act-1", *log.ResourceID)
	require.NotNil(t, log.UserID)
	assert.Equal(t, "admin-1", *log.UserID)
	assert.Contains(t, string(log.NewValues), "format=pdf")
}

func TestResponseMetaRecordsCacheHit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var meta map[string]interface{}
	r := gin.New()
	r.Use(WithResponseMeta())
	r.GET("/x", func(c *gin.Context) {
		SetCacheHit(c, true)
		meta = ExtractMeta(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, meta["cache_hit"])
	assert.Contains(t, meta, "processing_time_ms")
}

func TestResponseMetaEmptyWithoutEntries(t *testing.T) {
	gin.SetMode(gin.TestMode)
	extracted := map[string]interface{}{"sentinel": true}
	r := gin.New()
	r.Use(WithResponseMeta())
	r.GET("/x", func(c *gin.Context) {
		extracted = ExtractMeta(c)
		c.Status(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Nil(t, extracted)
}

func TestMetricsSkipsConfiguredRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	r := gin.New()
	r.Use(Metrics(metrics, "/metrics"))
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/eca/terms/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/metrics", "/eca/terms/t-1", "/eca/terms/t-2", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.Equal(t, uint64(3), metrics.Snapshot().RequestsTotal)
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reconomed-intake/internal/middleware"
	"reconomed-intake/internal/service"
	"reconomed-intake/pkg/token"
)

// Services 汇总路由需要的业务服务。上传和校对服务属于会话，由 Sessions 按请求解析。
type Services struct {
	Sessions *service.SessionRegistry
	Patients service.PatientService
}

// NewRouter 注册所有路由。
func NewRouter(svc Services, hub *Hub, inspector *token.Inspector, authRequired bool) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), middleware.Metrics(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": hub.Clients(), "sessions": svc.Sessions.Len()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.AuthMiddleware(inspector, authRequired)
	sessions := middleware.SessionMiddleware(svc.Sessions)
	uploadHandler := NewUploadHandler(hub)
	reviewHandler := NewReviewHandler(hub)
	patientHandler := NewPatientHandler(svc.Patients)

	r.GET("/ws/events", auth, sessions, NewEventsHandler(hub).Handle)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(auth, sessions)
	{
		uploads := apiV1.Group("/uploads")
		{
			uploads.POST("/batch", uploadHandler.UploadBatch)
			uploads.GET("", uploadHandler.ListUploads)
			uploads.GET("/quota", uploadHandler.GetQuota)
			uploads.GET("/history", uploadHandler.History)
			uploads.POST("/selection", uploadHandler.UpdateSelection)
			uploads.POST("/reload", uploadHandler.Reload)
			uploads.DELETE("/:id", uploadHandler.DiscardUpload)
			uploads.POST("/assign", reviewHandler.Assign)
			uploads.POST("/process", reviewHandler.Process)
		}

		documents := apiV1.Group("/documents")
		{
			documents.GET("/types", reviewHandler.DocumentTypes)
			documents.GET("/queues/:name", reviewHandler.GetQueue)
			documents.GET("/:id/validation", reviewHandler.GetValidation)
			documents.POST("/:id/validate", reviewHandler.SubmitValidation)
		}

		patients := apiV1.Group("/patients")
		{
			patients.GET("", patientHandler.ListPatients)
			patients.POST("/refresh", patientHandler.RefreshPatients)
			patients.GET("/:id", patientHandler.GetPatient)
			patients.POST("/:id/documents", patientHandler.UploadDocument)
		}
	}
	return r
}

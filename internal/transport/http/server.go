package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"chatstream/internal/ai"
	appsvc "chatstream/internal/app"
	"chatstream/internal/bootstrap"
	"chatstream/internal/cache"
	"chatstream/internal/platform/rabbitmq"
	"chatstream/internal/repository"
	"chatstream/internal/transport/http/handler"
	"chatstream/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	userRepo := repository.NewUserRepository(app.MySQL)
	conversationRepo := repository.NewConversationRepository(app.MySQL)
	messageRepo := repository.NewMessageRepository(app.MySQL)

	historyCache := cache.NewHistoryCache(
		app.Redis,
		time.Duration(app.Config.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(app.Config.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	identityCache := cache.NewIdentityCache(
		app.Config.Auth.IdentityCacheEntries,
		time.Duration(app.Config.Auth.IdentityCacheTTLSec)*time.Second,
	)

	authService := appsvc.NewAuthService(
		userRepo,
		identityCache,
		app.Config.Auth.JWTSecret,
		time.Duration(app.Config.Auth.JWTExpireMinute)*time.Minute,
	)
	conversationService := appsvc.NewConversationService(conversationRepo, messageRepo, historyCache)

	llmClient := ai.NewOpenAICompatibleClient(ai.ChatConfig{
		BaseURL: app.Config.LLM.BaseURL,
		APIKey:  app.Config.LLM.APIKey,
		Model:   app.Config.LLM.Model,
	})
	turnEvents := rabbitmq.NewTurnEventPublisher(app.MQConn, app.Config.RabbitMQ.TurnEventQueue)
	coordinator := appsvc.NewStreamCoordinator(
		messageRepo,
		llmClient,
		turnEvents,
		app.Logger,
		time.Duration(app.Config.Stream.IdleTimeoutSeconds)*time.Second,
		time.Duration(app.Config.Stream.SalvageTimeoutSec)*time.Second,
	)
	builder := appsvc.NewContextBuilder(app.Config.Stream.HistoryWindow, app.Config.Stream.SystemPrompt)
	chatService := appsvc.NewChatService(
		conversationRepo,
		messageRepo,
		builder,
		coordinator,
		llmClient,
		historyCache,
		app.Logger,
	)

	authHandler := handler.NewAuthHandler(authService)
	conversationHandler := handler.NewConversationHandler(conversationService)
	chatHandler := handler.NewChatHandler(chatService)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.Auth(authService), authHandler.Me)

	conversationGroup := v1.Group("/conversations")
	conversationGroup.Use(middleware.Auth(authService))
	conversationGroup.POST("", conversationHandler.Create)
	conversationGroup.GET("", conversationHandler.List)
	conversationGroup.GET("/:id", conversationHandler.Get)
	conversationGroup.DELETE("/:id", conversationHandler.Delete)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(middleware.Auth(authService))
	chatGroup.POST("", chatHandler.StreamMessage)
	chatGroup.POST("/pure", chatHandler.PureChat)
	chatGroup.GET("/history", chatHandler.GetHistory)

	return router
}

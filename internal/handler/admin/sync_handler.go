package admin

import (
	"errors"
	"time"

	"github.com/Wei-Shaw/tavily2api/internal/pkg/response"
	"github.com/Wei-Shaw/tavily2api/internal/service"

	"github.com/gin-gonic/gin"
)

type SyncHandler struct {
	sync *service.SyncService
}

func NewSyncHandler(sync *service.SyncService) *SyncHandler {
	return &SyncHandler{sync: sync}
}

type syncProgressView struct {
	Running   bool      `json:"running"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Success   int       `json:"success"`
	Failed    int       `json:"failed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Start handles POST /api/sync。已有轮次在跑时不报错，直接告知未启动。
func (h *SyncHandler) Start(c *gin.Context) {
	err := h.sync.StartSync(c.Request.Context())
	if errors.Is(err, service.ErrSyncAlreadyRunning) {
		response.Success(c, gin.H{"started": false, "message": "a sync pass is already running"})
		return
	}
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, gin.H{"started": true})
}

// Progress handles GET /api/sync/progress.
//
// running=false 且 current==total 表示上一轮已结束；轮询方以 running 翻回
// false 作为结束信号，而不是只看 current/total 相等。
func (h *SyncHandler) Progress(c *gin.Context) {
	progress, err := h.sync.Progress(c.Request.Context())
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, syncProgressView{
		Running:   progress.Running,
		Current:   progress.Current,
		Total:     progress.Total,
		Success:   progress.Success,
		Failed:    progress.Failed,
		UpdatedAt: progress.UpdatedAt,
	})
}

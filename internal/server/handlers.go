package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relay/internal/engine"
)

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Workdir     string `json:"workdir"`
}

type startTaskRequest struct {
	Executor string `json:"executor"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Title == "" && req.Description == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title or description required"})
		return
	}

	task, err := s.tasks.Create(c.Request.Context(), req.Title, req.Description, req.Workdir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.cache.purge()
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}

	if page, ok := s.cache.get(limit, offset); ok {
		c.JSON(http.StatusOK, gin.H{"tasks": page.Tasks, "total": page.Total})
		return
	}

	tasks, total, err := s.tasks.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.cache.put(limit, offset, listPage{Tasks: tasks, Total: total})
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": total})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	taskID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		s.renderTaskError(c, err)
		return
	}

	// A running task is interrupted first. Interruption is advisory, so the
	// broadcaster tombstones the task: anything the executor still emits is
	// rejected instead of recreating the deleted log.
	s.coordinator.Interrupt(taskID)

	if err := s.broadcaster.Delete(ctx, taskID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.tasks.Delete(ctx, taskID); err != nil {
		s.renderTaskError(c, err)
		return
	}
	s.cache.purge()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStartTask(c *gin.Context) {
	taskID := c.Param("id")

	// The body is optional; an empty or absent one selects the default
	// executor.
	var req startTaskRequest
	_ = c.ShouldBindJSON(&req)
	kind := req.Executor
	if kind == "" {
		kind = s.defaultKind
	}

	handle, err := s.coordinator.Start(c.Request.Context(), taskID, kind)
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning):
		task, getErr := s.tasks.Get(c.Request.Context(), taskID)
		if getErr != nil {
			s.renderTaskError(c, getErr)
			return
		}
		c.JSON(http.StatusOK, gin.H{"task": task, "already_running": true})
		return
	case errors.Is(err, engine.ErrUnknownExecutor):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.renderTaskError(c, err)
		return
	}

	s.cache.purge()
	task, err := s.tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		s.renderTaskError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task":            task,
		"run_id":          handle.RunID,
		"already_running": false,
	})
}

func (s *Server) handleInterruptTask(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := s.tasks.Get(c.Request.Context(), taskID); err != nil {
		s.renderTaskError(c, err)
		return
	}
	interrupted := s.coordinator.Interrupt(taskID)
	c.JSON(http.StatusAccepted, gin.H{"interrupted": interrupted})
}

func (s *Server) handleEventHistory(c *gin.Context) {
	taskID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		s.renderTaskError(c, err)
		return
	}
	events, err := s.events.List(ctx, taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []*engine.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

func (s *Server) renderTaskError(c *gin.Context, err error) {
	if errors.Is(err, engine.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const postMemberMaxSize = 4 * 1024 // 4 KiB

// Register wires up the REST routes on the provided Echo instance.
func Register(e *echo.Echo, boards BoardFetcher, projects ProjectRepository, auth Authenticator, events MemberEvents, logger *log.Logger) {
	e.GET("/api/projects/:id/board", getBoard(boards, projects, auth, logger))
	e.POST("/api/projects/:id/members", postMember(projects, auth, events))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// getBoard serves the full snapshot for a project. Non-members may read
// public projects; everything else requires membership.
func getBoard(boards BoardFetcher, projects ProjectRepository, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		identity, authErr := auth.Verify(bearerToken(c))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, domain.ErrUnauthorized.Error())
			return err
		}

		projectID := c.Param("id")
		project, findErr := projects.FindProject(ctx, projectID)
		if findErr != nil {
			metrics.SetErrorStage("project_lookup")
			err = c.String(http.StatusNotFound, domain.ErrNotFound.Error())
			return err
		}
		if !project.IsPublic && !project.HasMember(identity.UserID) {
			metrics.SetErrorStage("membership")
			err = c.String(http.StatusForbidden, "Access denied to project")
			return err
		}

		fetchStart := time.Now()
		view, fetchErr := boards.FetchBoard(ctx, projectID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			if errors.Is(fetchErr, domain.ErrNotFound) {
				metrics.SetErrorStage("board_lookup")
				err = c.String(http.StatusNotFound, domain.ErrNotFound.Error())
				return err
			}
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}
		metrics.SetBoardSize(len(view.Columns), countCards(view))

		err = c.JSON(http.StatusOK, view)
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

type addMemberRequest struct {
	UserID string `json:"userId"`
}

// postMember is the narrow membership-management surface. Only the project
// owner may invite; the committed record feeds the router so the invited
// user's private room is notified alongside the project room.
func postMember(projects ProjectRepository, auth Authenticator, events MemberEvents) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		identity, err := auth.Verify(bearerToken(c))
		if err != nil {
			return c.String(http.StatusUnauthorized, domain.ErrUnauthorized.Error())
		}

		projectID := c.Param("id")
		project, err := projects.FindProject(ctx, projectID)
		if err != nil {
			return c.String(http.StatusNotFound, domain.ErrNotFound.Error())
		}
		if project.OwnerID != identity.UserID {
			return c.String(http.StatusForbidden, "Access denied to project")
		}

		lr := io.LimitReader(c.Request().Body, postMemberMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()
		var req addMemberRequest
		if err := dec.Decode(&req); err != nil || req.UserID == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		updated, err := projects.AddMember(ctx, projectID, req.UserID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to add member")
		}
		if events != nil {
			events.MemberCommitted(projectID, req.UserID, identity.UserID)
		}
		return c.JSON(http.StatusOK, updated)
	}
}

func bearerToken(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.QueryParam("token")
}

func countCards(view domain.BoardView) int {
	n := 0
	for _, col := range view.Columns {
		n += len(col.Cards)
	}
	return n
}

package apperrors

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PlayraLive/h-ai-sub005/internal/logging"
)

// Respond writes err as {"error": code, "message": msg} with the mapped
// status. Unclassified errors are logged and reported without detail.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed",
			slog.String("path", c.FullPath()), logging.Err(err))
		c.JSON(status, gin.H{"error": "internal_error", "message": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": Code(err), "message": err.Error()})
}

// BadRequest writes a 400 for a malformed request body.
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

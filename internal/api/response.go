// Package api implements the peripheral HTTP/WebSocket surface: a gin
// router exposing the Run Coordinator and the External Test Repository's
// write side over REST, plus a websocket multicaster for run lifecycle
// events. None of this is part of the Step Execution Engine; it is an
// adapter the engine's collaborators are consumed through.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// envelope is the {code, message, data} shape every endpoint replies with.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, envelope{Code: 200, Message: "success", Data: data})
}

func accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, envelope{Code: 202, Message: "accepted", Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, envelope{Code: status, Message: message})
}

func badRequest(c *gin.Context, message string) { fail(c, http.StatusBadRequest, message) }
func notFound(c *gin.Context, message string)   { fail(c, http.StatusNotFound, message) }
func conflict(c *gin.Context, message string)   { fail(c, http.StatusConflict, message) }
func serverError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, message)
}
func unauthorized(c *gin.Context, message string) { fail(c, http.StatusUnauthorized, message) }

// Stand-in for the Replicate predictions API during local development.
// Run it and point REPLICATE_BASE_URL at http://localhost:3001.
package main

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Predictions report processing this many times before succeeding
const processingPolls = 2

type prediction struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Input    gin.H  `json:"input"`
	Output   any    `json:"output"`
	Error    any    `json:"error"`
	URLs     gin.H  `json:"urls"`
	imageURL string
	polls    int
}

func main() {
	var (
		mu          sync.Mutex
		predictions = map[string]*prediction{}
		base        = "http://localhost:3001"
	)

	r := gin.Default()

	r.GET("/account", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"type": "user", "username": "dev"})
	})

	r.POST("/predictions", func(c *gin.Context) {
		var body struct {
			Version string `json:"version"`
			Input   struct {
				Img string `json:"img"`
			} `json:"input"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Input.Img == "" {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "input.img is required"})
			return
		}

		id := uuid.NewString()
		p := &prediction{
			ID:       id,
			Status:   "starting",
			Input:    gin.H{"img": body.Input.Img},
			URLs:     gin.H{"get": fmt.Sprintf("%s/predictions/%s", base, id)},
			imageURL: body.Input.Img,
		}

		mu.Lock()
		predictions[id] = p
		mu.Unlock()

		logrus.WithFields(logrus.Fields{"id": id, "img": body.Input.Img}).Info("Prediction created")
		c.JSON(http.StatusCreated, p)
	})

	r.GET("/predictions/:id", func(c *gin.Context) {
		mu.Lock()
		defer mu.Unlock()

		p, ok := predictions[c.Param("id")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
			return
		}

		p.polls++
		if p.polls > processingPolls {
			p.Status = "succeeded"
			p.Output = p.imageURL
		} else {
			p.Status = "processing"
		}

		c.JSON(http.StatusOK, p)
	})

	logrus.Info("Fake Replicate starting on :3001")
	if err := r.Run(":3001"); err != nil {
		logrus.Fatal(err)
	}
}

package server

import (
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/posture-analyzer/internal/utils"
	"github.com/menta2k/posture-analyzer/pkg/analyzer"
	"github.com/menta2k/posture-analyzer/pkg/processing"
)

const (
	uploadField       = "file"
	msgDecodeImage    = "Could not decode image. Make sure it's a valid JPEG/PNG."
	msgMissingFile    = "Field 'file' is required"
	msgMissingPayload = "Send a multipart 'file' or JSON 'image_data'"
)

var errMissingFile = errors.New("missing file field")

type frameRequest struct {
	ImageData string `json:"image_data" binding:"required"`
}

func tooLargeMessage(limit int64) string {
	return fmt.Sprintf("Upload exceeds the %s limit", utils.FormatFileSize(limit))
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || errors.Is(err, utils.ErrTooLarge) ||
		(err != nil && strings.Contains(err.Error(), "request body too large"))
}

func (s *Server) handleHealth(c *gin.Context) {
	name := ""
	if est := s.analyzer.Estimator(); est != nil {
		name = est.Name()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"estimator":    name,
		"model_loaded": s.analyzer.ModelLoaded(),
	})
}

// handleAnalyze runs a video (or a single image) upload through the analyzer.
// An image is analyzed as a video with one frame.
func (s *Server) handleAnalyze(c *gin.Context) {
	mode := analyzer.ParseMode(c.DefaultQuery("mode", string(analyzer.ModeFrame)))
	log := s.logger(c)

	part, err := uploadPart(c.Request)
	if err != nil {
		s.uploadError(c, err)
		return
	}
	path, size, err := utils.SaveUpload(part, s.config.TempDir, part.FileName(), s.config.MaxUploadBytes)
	part.Close()
	if err != nil {
		s.uploadError(c, err)
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			log.WithError(err).Warn("failed to remove temporary file")
			return
		}
		log.WithField("path", path).Debug("temporary file removed")
	}()

	kind, mimeType := s.sniff(path)
	log.WithFields(logrus.Fields{
		"filename": part.FileName(),
		"size":     utils.FormatFileSize(size),
		"mime":     mimeType,
		"mode":     mode,
	}).Info("received analyze request")

	ctx, cancel := s.requestContext(c)
	defer cancel()

	var img image.Image
	if kind == processing.KindImage {
		// undecodable images go through ffmpeg like any other upload
		if img, err = s.processor.LoadImage(path); err != nil {
			log.WithError(err).Warn("image upload could not be decoded")
		}
	}

	var res analyzer.Result
	if img != nil {
		res, err = s.analyzer.AnalyzeFrames(ctx, []image.Image{img}, mode)
	} else {
		res, err = s.analyzer.AnalyzeVideo(ctx, path, mode)
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error(), err)
		return
	}

	log.WithField("frames", len(res.Frames)).Info("analysis complete")
	resp := gin.H{"feedback": res.Payload()}
	if res.Info.Truncated {
		resp["truncated"] = true
		resp["frames_analyzed"] = res.Info.FrameCount
	}
	c.JSON(http.StatusOK, resp)
}

// handleAnalyzeFrame classifies one webcam frame, sent either as a multipart file or
// as a JSON data URL.
func (s *Server) handleAnalyzeFrame(c *gin.Context) {
	var (
		img image.Image
		err error
	)

	switch c.ContentType() {
	case gin.MIMEJSON:
		var req frameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			if isTooLarge(err) {
				s.uploadError(c, err)
				return
			}
			s.fail(c, http.StatusUnprocessableEntity, msgMissingPayload, nil)
			return
		}
		img, err = s.processor.DecodeDataURL(req.ImageData)
	case gin.MIMEMultipartPOSTForm:
		part, perr := uploadPart(c.Request)
		if perr != nil {
			s.uploadError(c, perr)
			return
		}
		data, rerr := io.ReadAll(part)
		part.Close()
		if rerr != nil {
			s.uploadError(c, rerr)
			return
		}
		img, err = s.processor.DecodeImage(data)
	default:
		s.fail(c, http.StatusUnprocessableEntity, msgMissingPayload, nil)
		return
	}

	if err != nil {
		s.fail(c, http.StatusBadRequest, msgDecodeImage, err)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	fb, err := s.analyzer.AnalyzeImage(ctx, img)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err.Error(), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feedback": fb})
}

func (s *Server) uploadError(c *gin.Context, err error) {
	switch {
	case isTooLarge(err):
		s.fail(c, http.StatusRequestEntityTooLarge, tooLargeMessage(s.config.MaxUploadBytes), nil)
	case errors.Is(err, errMissingFile), errors.Is(err, http.ErrNotMultipart):
		s.fail(c, http.StatusUnprocessableEntity, msgMissingFile, nil)
	default:
		s.fail(c, http.StatusBadRequest, "Malformed upload: "+err.Error(), nil)
	}
}

// sniff reports the media kind of a saved upload from its content
func (s *Server) sniff(path string) (processing.MediaKind, string) {
	f, err := os.Open(path)
	if err != nil {
		return processing.KindUnknown, ""
	}
	defer f.Close()

	kind, mimeType, err := s.processor.DetectKind(f)
	if err != nil {
		return processing.KindUnknown, ""
	}
	return kind, mimeType
}

// uploadPart streams the multipart body up to the upload field. The caller closes the part.
func uploadPart(req *http.Request) (*multipart.Part, error) {
	mr, err := req.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errMissingFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == uploadField {
			return part, nil
		}
		part.Close()
	}
}

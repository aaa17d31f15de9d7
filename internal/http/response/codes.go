package response

// 业务状态码，写入响应体的 status_code
const (
	CodeOK                  = 0
	CodeBadRequest          = 400
	CodeUnauthorized        = 401
	CodeForbidden           = 403
	CodeNotFound            = 404
	CodeConflict            = 409
	CodeUnprocessableEntity = 422
	CodeTooManyRequests     = 429
	CodeInternal            = 500
	CodeBadGateway          = 502
	CodeServiceUnavailable  = 503
)

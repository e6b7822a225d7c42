package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// appField 用于拼接 App 级字段路径，列表字段附带下标，输出 App.ShellURLs[1] 形式。
func appField(field string, index int) string {
	if index < 0 {
		return fmt.Sprintf("App.%s", field)
	}
	return fmt.Sprintf("App.%s[%d]", field, index)
}

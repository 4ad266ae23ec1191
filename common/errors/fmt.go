package errors

import "fmt"

func fmtSprint(v interface{}) string {
	return fmt.Sprint(v)
}

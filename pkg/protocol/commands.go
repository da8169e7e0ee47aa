package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Command vocabulary carried in frame content. Content beginning with "/"
// is a command; everything else is chat text.
const (
	CommandPrefix = "/"

	CmdSendFile       = "/send-file"
	CmdChangeChat     = "/change-chat"
	CmdChangeUsername = "/change-username"
	CmdOnlineUsers    = "/online-users"
	CmdCreateGroup    = "/create-group"
	CmdJoinGroup      = "/join-group"
	CmdShowGroups     = "/show-groups"
	CmdLeaveGroup     = "/leave-group"
	CmdQuit           = "/quit"

	// ReplyInvalid is the catch-all reply to an unknown command.
	ReplyInvalid = "/command_invalid"
)

// Result codes shared by every *_result reply.
const (
	// ResultFailure encodes name-taken / no-such-target failures.
	ResultFailure = "-1"
	// ResultNoOp encodes "already a member" / "not a member" outcomes.
	ResultNoOp = "0"
)

const initUsernamePrefix = "INIT_USERNAME="

// InitUsername builds the first server-to-client control content carrying the
// assigned handle. It precedes any other traffic on the connection.
func InitUsername(handle string) string {
	return initUsernamePrefix + handle
}

// ParseInitUsername extracts the assigned handle from an INIT_USERNAME
// content, reporting whether the content was one.
func ParseInitUsername(content string) (string, bool) {
	return strings.CutPrefix(content, initUsernamePrefix)
}

// IsCommand reports whether frame content is a command rather than chat text.
func IsCommand(content string) bool {
	return strings.HasPrefix(content, CommandPrefix)
}

// Command splits content into the command verb and its argument remainder.
// Tokenization is space-separated, so command arguments cannot contain spaces.
func Command(content string) (verb, args string) {
	verb, args, _ = strings.Cut(content, " ")
	return verb, args
}

// SendFileRequest builds the control content announcing a file of the given
// name and size. The raw bytes follow immediately on the same stream.
func SendFileRequest(name string, size int64) string {
	return fmt.Sprintf("%s %s %d", CmdSendFile, name, size)
}

// ParseSendFile extracts filename and byte count from a /send-file content.
func ParseSendFile(content string) (name string, size int64, err error) {
	fields := strings.Fields(content)
	if len(fields) != 3 || fields[0] != CmdSendFile {
		return "", 0, fmt.Errorf("protocol: bad %s content %q", CmdSendFile, content)
	}
	size, err = strconv.ParseInt(fields[2], 10, 64)
	if err != nil || size < 0 {
		return "", 0, fmt.Errorf("protocol: bad %s size %q", CmdSendFile, fields[2])
	}
	return fields[1], size, nil
}

// ChangeChatResult builds the /change-chat reply content. target is the new
// recipient on success or ResultFailure.
func ChangeChatResult(target string) string {
	return CmdChangeChat + "_result:new_recipient=" + target
}

// ChangeUsernameResult builds the /change-username reply content. name is the
// accepted handle on success or ResultFailure.
func ChangeUsernameResult(name string) string {
	return CmdChangeUsername + "_result:new_username=" + name
}

// OnlineUsersReply builds the /online-users reply listing one handle per line.
func OnlineUsersReply(handles []string) string {
	var b strings.Builder
	b.WriteString(CmdOnlineUsers + "\n")
	for _, h := range handles {
		b.WriteString(h + "\n")
	}
	return b.String()
}

// CreateGroupResult builds the /create-group reply content.
func CreateGroupResult(name string) string {
	return CmdCreateGroup + "_result:create_group=" + name
}

// JoinGroupResult builds the /join-group reply content: the group name on
// success, ResultNoOp if already a member, ResultFailure if no such group.
func JoinGroupResult(code string) string {
	return CmdJoinGroup + "_result:join_group=" + code
}

// LeaveGroupResult builds the /leave-group reply content with the same
// tri-state coding as JoinGroupResult.
func LeaveGroupResult(code string) string {
	return CmdLeaveGroup + "_result:leave_group=" + code
}

// ShowGroupsReply builds the /show-groups reply listing one group row per line.
func ShowGroupsReply(rows []string) string {
	var b strings.Builder
	b.WriteString(CmdShowGroups + "_result=\n")
	for _, row := range rows {
		b.WriteString(row + "\n")
	}
	return b.String()
}

// ResultValue extracts the value after the first "=" of a *_result content.
// The empty string means the content carried no value.
func ResultValue(content string) string {
	_, value, _ := strings.Cut(content, "=")
	return value
}

package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/Vovarama1992/storefront-support/internal/chat"
)

const (
	transcriptSheet = "Переписка"
	sessionSheet    = "Обращение"
	timeLayout      = "02.01.2006 15:04:05"
)

var roleLabels = map[chat.Role]string{
	chat.RoleCustomer: "Клиент",
	chat.RoleBot:      "Бот",
	chat.RoleEmployee: "Сотрудник",
}

// Transcript builds an XLSX workbook with the conversation on the first
// sheet and the session card on the second.
func Transcript(sess *chat.Session, owner *chat.Profile, msgs []chat.Message) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(transcriptSheet)
	if err != nil {
		return nil, fmt.Errorf("new sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headers := []string{"Время (UTC)", "Роль", "Автор", "Сообщение"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(transcriptSheet, cell, header)
	}
	f.SetColWidth(transcriptSheet, "A", "A", 20)
	f.SetColWidth(transcriptSheet, "B", "C", 14)
	f.SetColWidth(transcriptSheet, "D", "D", 80)

	for i, m := range msgs {
		row := i + 2
		f.SetCellValue(transcriptSheet, fmt.Sprintf("A%d", row), m.CreatedAt.UTC().Format(timeLayout))
		f.SetCellValue(transcriptSheet, fmt.Sprintf("B%d", row), roleLabel(m.Role))
		f.SetCellValue(transcriptSheet, fmt.Sprintf("C%d", row), m.UserID)
		f.SetCellValue(transcriptSheet, fmt.Sprintf("D%d", row), m.Content)
	}

	if _, err := f.NewSheet(sessionSheet); err != nil {
		return nil, fmt.Errorf("new sheet: %w", err)
	}
	name, email := chat.DefaultDisplayName, ""
	if owner != nil {
		if owner.FullName != "" {
			name = owner.FullName
		}
		email = owner.Email
	}
	card := [][2]any{
		{"Сессия", sess.ID},
		{"Клиент", name},
		{"Email", email},
		{"Статус", string(sess.Status)},
		{"Создана (UTC)", sess.CreatedAt.UTC().Format(timeLayout)},
		{"Сообщений", len(msgs)},
	}
	for i, kv := range card {
		f.SetCellValue(sessionSheet, fmt.Sprintf("A%d", i+1), kv[0])
		f.SetCellValue(sessionSheet, fmt.Sprintf("B%d", i+1), kv[1])
	}
	f.SetColWidth(sessionSheet, "A", "A", 16)
	f.SetColWidth(sessionSheet, "B", "B", 40)

	return f, nil
}

func roleLabel(r chat.Role) string {
	if l, ok := roleLabels[r]; ok {
		return l
	}
	return string(r)
}

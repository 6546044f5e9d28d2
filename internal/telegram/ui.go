package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const callbackDescribe = "describe"

const (
	textHelp = "Send me a photo, an image file or an image link, then press " +
		"\"Get Image Description\".\nCommands: /describe, /status, /download, /help"
	textNoImage        = "Send me an image first."
	textUnreadable     = "I could not read that as an image."
	textDownloading    = "Preparing the image description model…"
	textAtCapacity     = "Too many descriptions are running. Try again in a moment."
	textUnknownCommand = "Unknown command. Try /help."
)

// maxMessageLen stays under Telegram's 4096 character limit.
const maxMessageLen = 3900

func describeKeyboard() tgbotapi.InlineKeyboardMarkup {
	btn := tgbotapi.NewInlineKeyboardButtonData("Get Image Description", callbackDescribe)
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(btn))
}

func resultText(text string) string {
	out := "Image Description: " + text
	if r := []rune(out); len(r) > maxMessageLen {
		out = string(r[:maxMessageLen]) + "…"
	}
	return out
}

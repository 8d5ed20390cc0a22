// Package rtp описывает формат аудио пакетов голосового тракта.
//
// Пакет состоит из фиксированного 12-байтного заголовка (flags, sequence number,
// timestamp, SSRC в сетевом порядке байт), payload и, после шифрования,
// 20-байтного HMAC-SHA1 тега:
//
//	offset 0:  uint16 flags           (bit15 = аудио RTP; bits[6:0] = payload type)
//	offset 2:  uint16 sequenceNumber
//	offset 4:  uint32 timestamp
//	offset 8:  uint32 ssrc
//	offset 12: payload
//	offset 12+len(payload): MAC
//
// Заголовок совместим с RTP версии 2 (RFC 3550) без CSRC и расширений, поэтому
// для сборки и представления используется github.com/pion/rtp.
//
// SequenceCounter разворачивает 16-битные номера в логическую 64-битную
// последовательность, по которой srtp строит IV.
package rtp

package rtp

// SequenceCounter разворачивает 16-битные номера последовательности в 64-битный
// логический номер.
//
// Счетчик хранит последний обработанный короткий номер и его развернутое значение.
// Для каждого нового номера выбирается дельта с наименьшим модулем в диапазоне
// [-32768, 32767]. Это корректно обрабатывает переход через 65535 в обе стороны,
// но при переупорядочивании больше чем на половину диапазона результат неоднозначен:
// такой пакет получит неверный логический номер. MAC не покрывает IV, поэтому
// пакет пройдет проверку и расшифруется в шум, который дойдет до декодера.
//
// Логический номер не является максимумом: после опоздавшего пакета он отражает
// именно этот пакет. Не thread-safe, вызывается из одной горутины приема
// ровно один раз на принятый пакет в порядке прихода.
type SequenceCounter struct {
	prevShort uint16
	prevLong  int64
}

// NewSequenceCounter создает счетчик с начальным состоянием (0, 0)
func NewSequenceCounter() *SequenceCounter {
	return &SequenceCounter{}
}

// ConvertNext возвращает логический номер для очередного короткого номера
func (c *SequenceCounter) ConvertNext(next uint16) int64 {
	delta := int64(next) - int64(c.prevShort)

	if delta > 32767 {
		delta -= 65536
	} else if delta < -32768 {
		delta += 65536
	}

	logical := c.prevLong + delta

	c.prevShort = next
	c.prevLong = logical

	return logical
}

package ocr

// ExtractionPrompt asks the model for a strict JSON object describing a
// Mexican purchase receipt. The key names match model.OCRResult's JSON tags.
const ExtractionPrompt = `Analiza este ticket de compra mexicano y extrae la información fiscal requerida.

IMPORTANTE: Responde ÚNICAMENTE con un objeto JSON válido, sin texto adicional.

Estructura requerida:
{
  "fecha": "YYYY-MM-DD",
  "total": 123.45,
  "subtotal": 95.00,
  "iva": 15.20,
  "rfc_emisor": "ABC123456789",
  "nombre_emisor": "Nombre del Negocio S.A. de C.V.",
  "concepto": "descripción breve del gasto",
  "categoria": "insumos|servicios|equipos|marketing|gastos_operativos|otros",
  "confidence": 0.95
}

Reglas específicas:
- fecha: Formato ISO (YYYY-MM-DD), si no es legible usar null
- total: Monto total en pesos mexicanos (número decimal)
- subtotal: Monto antes del IVA (número decimal)
- iva: Monto del IVA por separado (número decimal, generalmente 16% del subtotal)
- rfc_emisor: RFC del emisor (12 o 13 caracteres, formato mexicano válido)
- nombre_emisor: Razón social o nombre del emisor
- concepto: Descripción corta del producto/servicio principal
- categoria: Clasificar como:
  * "insumos": café, leche, azúcar, materias primas
  * "servicios": electricidad, gas, internet, telefonía
  * "equipos": máquinas de café, mobiliario, utensilios
  * "marketing": publicidad, promociones, diseño
  * "gastos_operativos": renta, limpieza, mantenimiento
  * "otros": gastos que no encajan en categorías anteriores
- confidence: Tu nivel de confianza en la extracción (0.0 a 1.0)

Validaciones:
- El RFC debe tener exactamente 13 caracteres para personas morales o 12 para físicas
- El IVA típico en México es 16% del subtotal
- Las fechas deben ser realistas (no futuras, no muy antiguas)
- Los montos deben ser positivos y realistas

Si algún campo no es legible o no está presente, usar null.`
